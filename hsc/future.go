// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hsc

import "sync"

// decodeFuture is the shared future a block's asynchronous RSE decode
// resolves into (spec §3 "Pending decode", §4.4 update step 3). It is
// offloaded to a goroutine standing in for the worker pool of spec §5
// "Offloaded work" — the event loop never blocks on it at commit time
// (spec §9 Open Question, resolved in favor of deferred emission; see
// SPEC_FULL.md §5).
type decodeFuture struct {
	done chan struct{}
	cmds []Command
	err  error
}

func newDecodeFuture() *decodeFuture {
	return &decodeFuture{done: make(chan struct{})}
}

func (f *decodeFuture) resolve(cmds []Command, err error) {
	f.cmds, f.err = cmds, err
	close(f.done)
}

// ready reports whether the future has resolved, without blocking.
func (f *decodeFuture) ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// wait blocks until the future resolves. Used only by the deferred-
// emission goroutine spawned at commit time, never by the event loop
// itself.
func (f *decodeFuture) wait() ([]Command, error) {
	<-f.done
	return f.cmds, f.err
}

// futureTable is the "pending decode" map from block hash to shared
// future. Access is synchronized because decode goroutines resolve
// entries from off-event-loop workers while the event loop reads them.
type futureTable struct {
	mu    sync.Mutex
	table map[Hash]*decodeFuture
}

func newFutureTable() *futureTable {
	return &futureTable{table: make(map[Hash]*decodeFuture)}
}

func (t *futureTable) start(h Hash, decode func() ([]Command, error)) *decodeFuture {
	t.mu.Lock()
	if f, ok := t.table[h]; ok {
		t.mu.Unlock()
		return f
	}
	f := newDecodeFuture()
	t.table[h] = f
	t.mu.Unlock()

	go func() {
		cmds, err := decode()
		f.resolve(cmds, err)
	}()
	return f
}

func (t *futureTable) get(h Hash) (*decodeFuture, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.table[h]
	return f, ok
}

func (t *futureTable) erase(h Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, h)
}
