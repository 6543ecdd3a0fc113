// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sc implements the Shards Container (spec §4.3): a per-block
// mailbox that accumulates validated erasure-coded shards keyed by
// block hash until the block's receive threshold k is reached.
// Shard validation itself is the caller's responsibility (merkle
// package); sc only tracks presence and duplicate-rejection.
package sc

import (
	"fmt"
	"sync"

	"github.com/luxfi/hotstuff/block"
)

// Container holds one shard bucket per in-flight block hash. All
// exported methods are safe only under the event loop's single-thread
// discipline (spec §5); the mutex here guards against accidental
// concurrent access, it is not a concurrency model in its own right.
type Container struct {
	mu        sync.Mutex
	n         int
	threshold int
	buckets   map[block.Hash]*bucket
}

type bucket struct {
	shards [][]byte
	count  int
}

// New creates a Container sized for n total shards per block and a
// receive threshold (spec §4.3/§6 "SC threshold").
func New(n, threshold int) *Container {
	return &Container{
		n:         n,
		threshold: threshold,
		buckets:   make(map[block.Hash]*bucket),
	}
}

// NewBlock creates an empty bucket for h. Returns an error if a
// bucket for h already exists (spec §4.3 new_block).
func (c *Container) NewBlock(h block.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[h]; ok {
		return fmt.Errorf("sc: bucket for %s already exists", h)
	}
	c.buckets[h] = &bucket{shards: make([][]byte, c.n)}
	return nil
}

// InsertShard stores data at idx for block h, creating the bucket on
// first touch. Returns an error if idx already holds a shard (spec
// §4.3 insert_shard: "reject if bucket[idx] already set").
func (c *Container) InsertShard(h block.Hash, idx int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= c.n {
		return fmt.Errorf("sc: index %d out of range [0,%d)", idx, c.n)
	}
	b, ok := c.buckets[h]
	if !ok {
		b = &bucket{shards: make([][]byte, c.n)}
		c.buckets[h] = b
	}
	if b.shards[idx] != nil {
		return fmt.Errorf("sc: duplicate shard at index %d for block %s", idx, h)
	}
	b.shards[idx] = data
	b.count++
	return nil
}

// Enough reports whether h's bucket has reached the receive threshold.
func (c *Container) Enough(h block.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[h]
	return ok && b.count >= c.threshold
}

// GetBlock returns a copy of h's shard array (length n, with nil
// entries for shards not yet received) if the bucket has reached
// threshold; otherwise it returns an error (spec §4.3 get_block).
func (c *Container) GetBlock(h block.Hash) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[h]
	if !ok || b.count < c.threshold {
		return nil, fmt.Errorf("sc: block %s below threshold", h)
	}
	out := make([][]byte, c.n)
	copy(out, b.shards)
	return out, nil
}

// Remove drops h's bucket (spec §4.3 remove, called on commit).
func (c *Container) Remove(h block.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets, h)
}
