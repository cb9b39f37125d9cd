// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hilok

import (
	"context"
	"sync"
	"time"
)

// Backoff schedule for retry loops that have no wait channel to park
// on (STRICT descendant scans, occupied rename destinations).
const startingBackoff = 50 * time.Microsecond
const maxBackoff = 500 * time.Millisecond
const backoffFactor = 2

// nodeLock is a reader/writer lock with context-aware acquisition.
// Readers share; a writer excludes everything. The mutex only guards
// the counters; waiters park on the broadcast channel, which is
// closed and replaced whenever the lock state may have opened up.
type nodeLock struct {
	mu      sync.Mutex
	readers int
	writer  bool
	wake    chan struct{}
}

// wakeCh returns the channel the caller should park on. Caller must
// hold mu.
func (l *nodeLock) wakeCh() chan struct{} {
	if l.wake == nil {
		l.wake = make(chan struct{})
	}
	return l.wake
}

// broadcast wakes all parked waiters. Caller must hold mu.
func (l *nodeLock) broadcast() {
	if l.wake != nil {
		close(l.wake)
		l.wake = nil
	}
}

func (l *nodeLock) lockShared(ctx context.Context) error {
	l.mu.Lock()
	for l.writer {
		ch := l.wakeCh()
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.mu.Lock()
	}
	l.readers++
	l.mu.Unlock()
	return nil
}

func (l *nodeLock) tryLockShared() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer {
		return false
	}
	l.readers++
	return true
}

func (l *nodeLock) lockExclusive(ctx context.Context) error {
	l.mu.Lock()
	for l.writer || l.readers > 0 {
		ch := l.wakeCh()
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.mu.Lock()
	}
	l.writer = true
	l.mu.Unlock()
	return nil
}

func (l *nodeLock) tryLockExclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer || l.readers > 0 {
		return false
	}
	l.writer = true
	return true
}

func (l *nodeLock) unlockShared() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.broadcast()
	}
	l.mu.Unlock()
}

func (l *nodeLock) unlockExclusive() {
	l.mu.Lock()
	l.writer = false
	l.broadcast()
	l.mu.Unlock()
}

// held reports whether any reader or writer currently holds the lock.
func (l *nodeLock) held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer || l.readers > 0
}

// state returns the current counters, for invariant checks.
func (l *nodeLock) state() (readers int, writer bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers, l.writer
}
