// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hilok

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unsafe"
)

// node is a vertex of the lock tree.
type node struct {
	lk nodeLock

	// mu protects the fields below. It is distinct from lk: lk
	// expresses user-visible lock state, mu only guards structure.
	// When locking multiple nodes, locks must be acquired using
	// lockNodes/lockNode2.
	mu sync.Mutex

	name     string
	parent   *node // nil for the root
	children map[string]*node

	// refs counts outstanding handle/traversal references plus one
	// per child, plus one for the tree's own hold on the root. A
	// node whose refs reaches zero is unlinked from its parent.
	refs int
}

func newNode(name string, parent *node) *node {
	return &node{
		name:     name,
		parent:   parent,
		children: make(map[string]*node),
	}
}

// nodeLess orders nodes by their in-RAM address. For any A and B,
// it either always orders A < B or always A > B, which is what
// lockNodes relies on to avoid deadlock.
func nodeLess(a, b *node) bool {
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}

func sortNodes(ns []*node) {
	sort.Slice(ns, func(i, j int) bool {
		return nodeLess(ns[i], ns[j])
	})
}

// lockNodes locks a group of nodes in address order, skipping nils
// and duplicates.
func lockNodes(ns ...*node) {
	sortNodes(ns)
	var prev *node
	for _, n := range ns {
		if n != nil && n != prev {
			n.mu.Lock()
			prev = n
		}
	}
}

// unlockNodes releases locks taken by lockNodes.
func unlockNodes(ns ...*node) {
	sortNodes(ns)
	var prev *node
	for _, n := range ns {
		if n != nil && n != prev {
			n.mu.Unlock()
			prev = n
		}
	}
}

// lockNode2 locks a and b in order consistent with lockNodes.
func lockNode2(a, b *node) {
	if a == b {
		a.mu.Lock()
	} else if nodeLess(a, b) {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockNode2(a, b *node) {
	a.mu.Unlock()
	if a != b {
		b.mu.Unlock()
	}
}

// childRef finds or lazily creates the named child and takes a
// traversal reference on it. With create == false, a missing child
// returns nil. Creation links the child into the parent's children
// map; the new link accounts for one reference on the parent.
func (n *node) childRef(name string, create bool) *node {
	for {
		n.mu.Lock()
		ch := n.children[name]
		if ch == nil {
			if !create {
				n.mu.Unlock()
				return nil
			}
			ch = newNode(name, n)
			ch.refs = 1
			n.children[name] = ch
			n.refs++
			n.mu.Unlock()
			return ch
		}
		n.mu.Unlock()

		lockNode2(n, ch)
		if n.children[name] != ch {
			// pruned or renamed away between the lookup and
			// the relock; retry from the map.
			unlockNode2(n, ch)
			continue
		}
		ch.refs++
		unlockNode2(n, ch)
		return ch
	}
}

// decRef drops one reference from n. A node whose reference count
// reaches zero is unlinked from its parent, and the parent loses the
// reference held by the child link, so pruning chains upward until
// it meets a node that is still referenced. The root is kept alive
// by the tree's own reference.
func decRef(n *node) {
	for n != nil {
		n.mu.Lock()
		n.refs--
		alive := n.refs > 0
		n.mu.Unlock()
		if alive {
			return
		}
		// the parent lost its child link; drop that reference too.
		n = unlink(n)
	}
}

// unlink removes a zero-referenced node from its parent and returns
// the former parent. Returns nil if the node was resurrected by a
// concurrent lookup before it could be unlinked, or is the root.
func unlink(n *node) *node {
	for {
		n.mu.Lock()
		p := n.parent
		n.mu.Unlock()
		if p == nil {
			return nil
		}

		lockNode2(p, n)
		if n.refs != 0 {
			unlockNode2(p, n)
			return nil
		}
		if n.parent != p {
			// moved by a rename that raced the zero-crossing.
			unlockNode2(p, n)
			continue
		}
		delete(p.children, n.name)
		n.parent = nil
		unlockNode2(p, n)
		return p
	}
}

// lockedDescendant walks the subtree under n and returns a node
// whose lock is held, or nil. The caller holds the write lock on n,
// so no new locks can appear below it while scanning: any fresh
// chain through n blocks on n's writer, and a rename into the
// subtree blocks read-locking its destination parent chain.
func (n *node) lockedDescendant() *node {
	n.mu.Lock()
	kids := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		kids = append(kids, c)
	}
	n.mu.Unlock()

	for _, c := range kids {
		if c.lk.held() {
			return c
		}
		if d := c.lockedDescendant(); d != nil {
			return d
		}
	}
	return nil
}

// dump renders the subtree for debugging. Racy.
func (n *node) dump(b *strings.Builder, depth int) {
	readers, writer := n.lk.state()
	name := n.name
	if name == "" {
		name = "."
	}
	fmt.Fprintf(b, "%s%s refs=%d", strings.Repeat("  ", depth), name, n.refs)
	if readers > 0 {
		fmt.Fprintf(b, " r=%d", readers)
	}
	if writer {
		b.WriteString(" w")
	}
	b.WriteByte('\n')

	n.mu.Lock()
	names := make([]string, 0, len(n.children))
	for nm := range n.children {
		names = append(names, nm)
	}
	kids := make([]*node, 0, len(names))
	sort.Strings(names)
	for _, nm := range names {
		kids = append(kids, n.children[nm])
	}
	n.mu.Unlock()

	for _, c := range kids {
		c.dump(b, depth+1)
	}
}
