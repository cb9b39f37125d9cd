// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hilok provides a hierarchical reader/writer lock tree.
//
// A Tree holds named nodes addressed by path strings such as
// "/a/b/c". Nodes are created on demand and reclaimed when the last
// reference goes away. Each node carries its own reader/writer lock,
// and acquiring a lock on a node implicitly read-locks every
// ancestor on the way down. That yields hierarchical exclusion
// without enumerating the subtree: writing "/a/b" excludes all
// operations on anything below it, and reading "/a/b/c/d/e" excludes
// writes on each of its ancestors.
//
//	t := hilok.New(nil)
//	h, err := t.Write(ctx, "/a/b")
//	if err != nil {
//		return err
//	}
//	defer h.Release()
//
// Locks are taken strictly from the root toward the leaf, so chains
// that share a prefix cannot deadlock against each other. Blocking
// acquisitions honor the context's deadline and cancellation; the
// Try variants never block. Rename moves a subtree to a new parent
// while handles keep holding the moved nodes.
package hilok
