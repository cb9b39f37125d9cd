// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hilok

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// checkClean verifies that the tree reclaimed everything: a bare
// root with only the tree's own reference and no lock state.
func checkClean(t *testing.T, tr *Tree) {
	t.Helper()
	tr.root.mu.Lock()
	refs := tr.root.refs
	kids := len(tr.root.children)
	tr.root.mu.Unlock()
	if refs != 1 || kids != 0 {
		t.Errorf("tree not reclaimed: root refs=%d children=%d\n%s", refs, kids, tr)
	}
	if readers, writer := tr.root.lk.state(); readers != 0 || writer {
		t.Errorf("root still locked: readers=%d writer=%v", readers, writer)
	}
}

func TestWriteAfterRelease(t *testing.T) {
	tr := New(nil)

	w1, err := tr.Write(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	w1.Release()

	w2, err := tr.TryWrite("/a/b")
	if err != nil {
		t.Fatalf("write after release: %v", err)
	}
	if _, err := tr.TryWrite("/a/b"); !errors.Is(err, ErrBusy) {
		t.Errorf("second writer: want ErrBusy, got %v", err)
	}
	w2.Release()
	checkClean(t, tr)
}

func TestWriteExcludesWrite(t *testing.T) {
	tr := New(nil)

	h, err := tr.Write(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := tr.TryWrite("/a/b"); !errors.Is(err, ErrBusy) {
		t.Errorf("want ErrBusy, got %v", err)
	}
	h.Release()

	h, err = tr.TryWrite("/a/b")
	if err != nil {
		t.Fatalf("write after release: %v", err)
	}
	h.Release()
	checkClean(t, tr)
}

func TestAncestorExclusion(t *testing.T) {
	tr := New(&Options{Strict: true})

	h, err := tr.Read(context.Background(), "/a/b/c/d/e")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := tr.Write(ctx, "/a/b"); !errors.Is(err, ErrBusy) {
		t.Errorf("write under held descendant: want ErrBusy, got %v", err)
	}

	h.Release()
	w, err := tr.TryWrite("/a/b")
	if err != nil {
		t.Fatalf("write after reader gone: %v", err)
	}
	w.Release()
	checkClean(t, tr)
}

func TestDescendantExcludesAncestorWrite(t *testing.T) {
	// reading a deep node read-locks every ancestor; a write
	// anywhere along the chain must fail, a read must not.
	tr := New(nil)

	h, err := tr.Read(context.Background(), "/a/b/c/d/e")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c", "/a/b/c/d"} {
		if _, err := tr.TryWrite(p); !errors.Is(err, ErrBusy) {
			t.Errorf("write %s: want ErrBusy, got %v", p, err)
		}
		r, err := tr.TryRead(p)
		if err != nil {
			t.Errorf("read %s: %v", p, err)
			continue
		}
		r.Release()
	}
	h.Release()
	checkClean(t, tr)
}

func TestReaderReentrancy(t *testing.T) {
	tr := New(&Options{Strict: true})

	r1, err := tr.Read(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	r2, err := tr.TryRead("/a/b")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if _, err := tr.TryWrite("/a/b"); !errors.Is(err, ErrBusy) {
		t.Errorf("write with readers: want ErrBusy, got %v", err)
	}

	r1.Release()
	r2.Release()
	w, err := tr.TryWrite("/a/b")
	if err != nil {
		t.Fatalf("write after readers gone: %v", err)
	}
	w.Release()
	checkClean(t, tr)
}

func TestAlternateSeparator(t *testing.T) {
	tr := New(&Options{Separator: ':'})

	h, err := tr.Read(context.Background(), "a:b")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := tr.TryWrite("a"); !errors.Is(err, ErrBusy) {
		t.Errorf("write on parent: want ErrBusy, got %v", err)
	}
	h.Release()
	checkClean(t, tr)
}

func TestEmptyPathIsRoot(t *testing.T) {
	tr := New(nil)

	for _, p := range []string{"", "/", "//"} {
		h, err := tr.TryWrite(p)
		if err != nil {
			t.Fatalf("write %q: %v", p, err)
		}
		if _, err := tr.TryRead("/a"); !errors.Is(err, ErrBusy) {
			t.Errorf("read below root writer (%q): want ErrBusy, got %v", p, err)
		}
		h.Release()
	}
	checkClean(t, tr)
}

func TestEarlyRelease(t *testing.T) {
	tr := New(&Options{Strict: true})

	h, err := tr.Write(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	h.Release()

	h2, err := tr.TryWrite("/a/b")
	if err != nil {
		t.Fatalf("write after early release: %v", err)
	}
	h2.Release()
	h.Release() // late duplicate, must be a no-op
	checkClean(t, tr)
}

func TestReleaseIdempotent(t *testing.T) {
	tr := New(nil)

	h, err := tr.Write(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 3; i++ {
		h.Release()
	}
	checkClean(t, tr)
}

func TestFailedTryLeavesNoTrace(t *testing.T) {
	tr := New(nil)

	h, err := tr.Write(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	// the failing acquisition goes deeper than the held lock; the
	// nodes it would have created must not stick around.
	if _, err := tr.TryRead("/a/b/c/d"); !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}
	tr.root.mu.Lock()
	a := tr.root.children["a"]
	tr.root.mu.Unlock()
	a.mu.Lock()
	b := a.children["b"]
	a.mu.Unlock()
	b.mu.Lock()
	kids := len(b.children)
	b.mu.Unlock()
	if kids != 0 {
		t.Errorf("failed acquisition left %d children behind:\n%s", kids, tr)
	}
	h.Release()
	checkClean(t, tr)
}

func TestCancelledContext(t *testing.T) {
	tr := New(nil)

	h, err := tr.Write(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Read(ctx, "/a/b"); !errors.Is(err, ErrBusy) {
		t.Errorf("read with cancelled ctx: want ErrBusy, got %v", err)
	}
	h.Release()

	// an uncontended acquisition succeeds even on a dead context;
	// the deadline only matters when there is something to wait for.
	h, err = tr.Read(ctx, "/a/b")
	if err != nil {
		t.Fatalf("uncontended read with cancelled ctx: %v", err)
	}
	h.Release()
	checkClean(t, tr)
}

func TestBlockedWriterWakesOnRelease(t *testing.T) {
	tr := New(nil)

	r, err := tr.Read(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h, err := tr.Write(ctx, "/a/b")
		if err == nil {
			h.Release()
		}
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Release()
	if err := <-got; err != nil {
		t.Errorf("writer never woke: %v", err)
	}
	checkClean(t, tr)
}

func TestHandlePath(t *testing.T) {
	tr := New(nil)

	h, err := tr.Read(context.Background(), "/a/b")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := h.Path(); got != "/a/b" {
		t.Errorf("want=/a/b have=%s", got)
	}
	h.Release()
	checkClean(t, tr)
}
