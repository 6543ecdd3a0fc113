// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package merkle builds the shard Merkle tree used to authenticate
// erasure-coded shards (spec §4.2) and validates per-shard inclusion
// proofs. The hashing rule is deliberately hex-string based rather
// than raw-byte based: internal nodes hash the ASCII hex encoding of
// their children, which is the wire-compatibility rule spec §6 calls
// out explicitly. This is a fixed protocol constant, not a place to
// reach for a generic Merkle library — no repo in the retrieved pack
// hashes over hex strings this way, so it is hand-rolled on
// crypto/sha256 and documented here rather than grounded elsewhere.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// EmptyHash is the padding node used at odd tree levels: 64 ASCII
// zeros, process-wide immutable (spec §9 "Global state").
var EmptyHash = strings.Repeat("0", 64)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func leafHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tree is a built Merkle tree over a fixed set of shards, retained so
// Proof can be called per index without rebuilding levels.
type Tree struct {
	levels [][]string // levels[0] = leaves, ..., levels[len-1] = [root]
}

// Build constructs the tree over shards in index order (spec §4.2
// Build). len(shards) must be >= 1.
func Build(shards [][]byte) *Tree {
	leaves := make([]string, len(shards))
	for i, s := range shards {
		leaves[i] = leafHex(s)
	}

	t := &Tree{levels: [][]string{leaves}}
	cur := leaves
	for len(cur) > 1 {
		if len(cur)%2 == 1 {
			cur = append(cur, EmptyHash)
		}
		next := make([]string, len(cur)/2)
		for i := 0; i < len(cur); i += 2 {
			next[i/2] = sha256Hex(cur[i] + cur[i+1])
		}
		t.levels = append(t.levels, next)
		cur = next
	}
	return t
}

// Root returns the tree's root hash as lowercase hex.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the sibling hashes (bottom-up) authenticating shard
// index i against Root() (spec §4.2 Proof_i).
func (t *Tree) Proof(i int) []string {
	branch := make([]string, 0, len(t.levels)-1)
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		cur := t.levels[level]
		sibling := idx ^ 1
		if sibling < len(cur) {
			branch = append(branch, cur[sibling])
		} else {
			branch = append(branch, EmptyHash)
		}
		idx /= 2
	}
	return branch
}

// Validate recomputes the root from (data, index, branch) and
// compares it against root (spec §4.2 Validate / §3 Shard invariant).
func Validate(data []byte, index int, branch []string, root string) bool {
	cur := leafHex(data)
	idx := index
	for _, sib := range branch {
		if idx&1 == 0 {
			cur = sha256Hex(cur + sib)
		} else {
			cur = sha256Hex(sib + cur)
		}
		idx /= 2
	}
	return cur == root
}
