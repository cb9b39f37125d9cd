// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hilok

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Options configures a Tree. The zero value (and a nil *Options)
// selects the '/' separator and the recursive policy.
type Options struct {
	// Separator is the single character paths are split on. Zero
	// means '/'.
	Separator rune

	// Strict makes write acquisitions refuse nodes that still have
	// locked descendants, instead of tolerating them. Descendants
	// become reachable without read-locked ancestors only through
	// rename, so the default tolerant policy is safe for callers
	// that nest acquisitions; Strict is for callers that want the
	// write lock to mean the whole subtree is quiet.
	Strict bool
}

// Tree is a hierarchical reader/writer lock tree. Nodes are
// addressed by paths and created on demand; acquiring any node
// read-locks all its ancestors, so a write lock on a node excludes
// every operation below it and every write above it.
//
// All methods are safe for concurrent use.
type Tree struct {
	sep    rune
	strict bool
	root   *node

	// renameMu serializes renames. Acquisitions never take it;
	// it exists so the destination-inside-source check sees a
	// stable ancestor chain.
	renameMu sync.Mutex
}

// New creates an empty Tree. opt may be nil for defaults.
func New(opt *Options) *Tree {
	var o Options
	if opt != nil {
		o = *opt
	}
	if o.Separator == 0 {
		o.Separator = '/'
	}
	root := newNode("", nil)
	root.refs = 1
	return &Tree{sep: o.Separator, strict: o.Strict, root: root}
}

// Read acquires a shared lock on path, blocking until it is
// available, the context is done, or its deadline expires. Missing
// nodes along the path are created. The returned Handle must be
// released by the caller, typically with defer.
func (t *Tree) Read(ctx context.Context, path string) (*Handle, error) {
	return t.lockPath(ctx, path, false, false)
}

// TryRead is Read without blocking: it fails with ErrBusy if any
// lock along the path is contended.
func (t *Tree) TryRead(path string) (*Handle, error) {
	return t.lockPath(context.Background(), path, false, true)
}

// Write acquires an exclusive lock on path, blocking until it is
// available, the context is done, or its deadline expires. Missing
// nodes along the path are created.
func (t *Tree) Write(ctx context.Context, path string) (*Handle, error) {
	return t.lockPath(ctx, path, true, false)
}

// TryWrite is Write without blocking: it fails with ErrBusy if any
// lock along the path is contended.
func (t *Tree) TryWrite(path string) (*Handle, error) {
	return t.lockPath(context.Background(), path, true, true)
}

// resolve walks the tree from the root along segs, taking one
// reference per node visited. With create, missing nodes are
// allocated on the way; without it, a missing segment rolls back the
// references taken so far and returns nil.
func (t *Tree) resolve(segs []string, create bool) []*node {
	t.root.mu.Lock()
	t.root.refs++
	t.root.mu.Unlock()

	chain := make([]*node, 1, len(segs)+1)
	chain[0] = t.root
	cur := t.root
	for _, seg := range segs {
		ch := cur.childRef(seg, create)
		if ch == nil {
			dropRefs(chain)
			return nil
		}
		chain = append(chain, ch)
		cur = ch
	}
	return chain
}

func dropRefs(chain []*node) {
	for i := len(chain) - 1; i >= 0; i-- {
		decRef(chain[i])
	}
}

// unwindChain releases the locks taken so far in reverse order and
// gives back every reference, leaving no trace of the failed
// acquisition.
func unwindChain(chain []*node, locked int, write bool) {
	for i := locked - 1; i >= 0; i-- {
		if write && i == len(chain)-1 {
			chain[i].lk.unlockExclusive()
		} else {
			chain[i].lk.unlockShared()
		}
	}
	dropRefs(chain)
}

// lockPath implements the acquisition protocol: resolve the chain,
// lock ancestors shared root to leaf, lock the leaf in the requested
// mode, all under one deadline. Any failure unwinds completely.
func (t *Tree) lockPath(ctx context.Context, path string, write, try bool) (*Handle, error) {
	op := "read"
	if write {
		op = "write"
	}

	segs := splitPath(path, t.sep)
	chain := t.resolve(segs, true)

	for i, n := range chain {
		exclusive := write && i == len(chain)-1
		var ok bool
		switch {
		case try && exclusive:
			ok = n.lk.tryLockExclusive()
		case try:
			ok = n.lk.tryLockShared()
		case exclusive:
			ok = n.lk.lockExclusive(ctx) == nil
		default:
			ok = n.lk.lockShared(ctx) == nil
		}
		if !ok {
			unwindChain(chain, i, false)
			return nil, errors.Wrapf(ErrBusy, "%s %s", op, path)
		}
	}

	if write && t.strict {
		leaf := chain[len(chain)-1]
		if err := waitSubtreeIdle(ctx, leaf, try); err != nil {
			unwindChain(chain, len(chain), true)
			return nil, errors.Wrapf(ErrBusy, "%s %s", op, path)
		}
	}

	return &Handle{path: path, chain: chain, write: write}, nil
}

// waitSubtreeIdle waits for every lock below n to be released. The
// caller holds the write lock on n, which keeps new locks from
// appearing underneath, so polling converges. There is no wait
// channel spanning a subtree; the scan backs off exponentially.
func waitSubtreeIdle(ctx context.Context, n *node, try bool) error {
	backoff := startingBackoff
	for {
		if n.lockedDescendant() == nil {
			return nil
		}
		if try {
			return ErrBusy
		}
		if err := sleepBackoff(ctx, backoff); err != nil {
			return err
		}
		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rename re-parents the node at src to sit under the parent of dst,
// taking the final segment of dst as its new name. Missing nodes on
// the destination parent chain are created. Handles holding the
// source node stay attached to it across the move; the old source
// path names a fresh node afterward.
//
// Rename fails with ErrNotFound if src does not resolve, and with
// ErrBusy if the destination name stays occupied, a parent chain
// stays contended, or the destination lies inside the source's own
// subtree.
func (t *Tree) Rename(ctx context.Context, src, dst string) error {
	return t.rename(ctx, src, dst, false)
}

// TryRename is Rename without blocking.
func (t *Tree) TryRename(src, dst string) error {
	return t.rename(context.Background(), src, dst, true)
}

func (t *Tree) rename(ctx context.Context, src, dst string, try bool) error {
	srcSegs := splitPath(src, t.sep)
	if len(srcSegs) == 0 {
		return errors.Wrapf(ErrNotFound, "rename %s: source is the root", src)
	}
	dstSegs := splitPath(dst, t.sep)
	if len(dstSegs) == 0 {
		return errors.Wrapf(ErrNotFound, "rename %s to %s: empty destination", src, dst)
	}

	t.renameMu.Lock()
	defer t.renameMu.Unlock()

	// Read-lock the source parent chain for the duration of the
	// structural update. It must already exist: if it does not,
	// neither does the source.
	sh, err := t.lockParents(ctx, srcSegs, false, try)
	if err != nil {
		return errors.Wrapf(err, "rename %s", src)
	}
	defer sh.Release()

	sp := sh.chain[len(sh.chain)-1]
	s := sp.childRef(srcSegs[len(srcSegs)-1], false)
	if s == nil {
		return errors.Wrapf(ErrNotFound, "rename %s", src)
	}
	defer decRef(s)

	// Read-lock the destination parent chain, creating it lazily.
	dh, err := t.lockParents(ctx, dstSegs, true, try)
	if err != nil {
		return errors.Wrapf(err, "rename %s to %s", src, dst)
	}
	defer dh.Release()

	dp := dh.chain[len(dh.chain)-1]
	newName := dstSegs[len(dstSegs)-1]

	// Moving a node underneath itself would cut the subtree loose
	// from the root.
	for p := dp; p != nil; {
		if p == s {
			return errors.Wrapf(ErrBusy, "rename %s to %s: destination inside source", src, dst)
		}
		p.mu.Lock()
		pp := p.parent
		p.mu.Unlock()
		p = pp
	}

	backoff := startingBackoff
	for {
		lockNodes(sp, dp, s)
		cur := dp.children[newName]
		if cur == s {
			// already there; nothing to move.
			unlockNodes(sp, dp, s)
			return nil
		}
		if cur == nil {
			delete(sp.children, s.name)
			sp.refs--
			s.parent = dp
			s.name = newName
			dp.children[newName] = s
			dp.refs++
			unlockNodes(sp, dp, s)
			return nil
		}
		unlockNodes(sp, dp, s)

		// Occupied. The entry goes away when whatever keeps the
		// occupant alive lets go of it.
		if try {
			return errors.Wrapf(ErrBusy, "rename %s to %s: destination occupied", src, dst)
		}
		if err := sleepBackoff(ctx, backoff); err != nil {
			return errors.Wrapf(ErrBusy, "rename %s to %s: destination occupied", src, dst)
		}
		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// lockParents takes a shared lock chain over all but the last
// segment of segs. A missing segment is an error when create is
// false, ErrBusy when the chain cannot be locked in time.
func (t *Tree) lockParents(ctx context.Context, segs []string, create, try bool) (*Handle, error) {
	parents := segs[:len(segs)-1]
	chain := t.resolve(parents, create)
	if chain == nil {
		return nil, ErrNotFound
	}

	for i, n := range chain {
		var ok bool
		if try {
			ok = n.lk.tryLockShared()
		} else {
			ok = n.lk.lockShared(ctx) == nil
		}
		if !ok {
			unwindChain(chain, i, false)
			return nil, ErrBusy
		}
	}
	return &Handle{chain: chain}, nil
}

// String renders the node graph with reference counts and lock
// state, for debugging. Racy.
func (t *Tree) String() string {
	var b strings.Builder
	t.root.dump(&b, 0)
	return b.String()
}
