// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hsb

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/hotstuff/block"
)

// deliverWaiters makes async_deliver_blk idempotent under concurrent
// requests for the same hash (spec §4.5 "Idempotent under concurrent
// requests via a waiters map"): the first caller for a given hash
// drives the fetch; later callers for the same hash block on the same
// result instead of issuing a second fetch.
type deliverWaiters struct {
	mu      sync.Mutex
	pending map[block.Hash]chan error
}

func newDeliverWaiters() *deliverWaiters {
	return &deliverWaiters{pending: make(map[block.Hash]chan error)}
}

// claim returns (ch, true) if this call must drive the fetch itself
// (it created the waiter channel), or (ch, false) if another in-flight
// call for h already owns it and the caller should just wait on ch.
func (w *deliverWaiters) claim(h block.Hash) (chan error, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.pending[h]; ok {
		return ch, false
	}
	ch := make(chan error, 1)
	w.pending[h] = ch
	return ch, true
}

func (w *deliverWaiters) resolve(h block.Hash, err error) {
	w.mu.Lock()
	ch, ok := w.pending[h]
	delete(w.pending, h)
	w.mu.Unlock()
	if ok {
		ch <- err
		close(ch)
	}
}

// AsyncDeliverBlk resolves h from peer if not already locally
// delivered, recursively fetching qc_ref and parents first, then calls
// hsc.OnDeliverBlk (spec §4.5 async_deliver_blk). Safe to call
// concurrently for the same hash: only the first call actually
// fetches.
func (b *Base) AsyncDeliverBlk(ctx context.Context, h block.Hash, peer block.NodeID) error {
	if _, ok := b.hsc.Store().Find(h); ok {
		return nil
	}

	ch, own := b.waiters.claim(h)
	if !own {
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := b.fetchAndDeliver(ctx, h, peer)
	b.waiters.resolve(h, err)
	return err
}

func (b *Base) fetchAndDeliver(ctx context.Context, h block.Hash, peer block.NodeID) error {
	wb, err := b.net.Fetch(ctx, h, peer)
	if err != nil {
		return fmt.Errorf("hsb: fetching block %s from %s: %w", h, peer, err)
	}

	blk, err := wb.ToBlock()
	if err != nil {
		return fmt.Errorf("hsb: reconstructing fetched block %s: %w", h, err)
	}
	if blk.Hash() != h {
		return fmt.Errorf("hsb: fetched block hash mismatch: asked for %s, got %s", h, blk.Hash())
	}

	if blk.QC != nil {
		if err := b.AsyncDeliverBlk(ctx, blk.QC.BlockHash, peer); err != nil {
			return err
		}
	}
	for _, ph := range blk.ParentHashes {
		if err := b.AsyncDeliverBlk(ctx, ph, peer); err != nil {
			return err
		}
	}

	return b.hsc.OnDeliverBlk(blk)
}
