// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package block implements the HotStuff block and quorum-certificate
// data model described in spec §3: an immutable block referencing one
// or more parents and the QC it justifies, plus the mutable
// bookkeeping (delivery, decision, vote accumulation) a replica
// attaches to it while it is live.
package block

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/luxfi/ids"
)

// Hash identifies a block or a command batch. Aliased onto ids.ID so
// that blocks compose with the rest of the ecosystem's content
// addressing without reinventing a 32-byte identifier type.
type Hash = ids.ID

// NodeID identifies a replica.
type NodeID = ids.NodeID

// Status records the block's commit decision.
type Status uint8

const (
	Undecided Status = iota
	Committed
)

// Block is immutable after Deliver sets Delivered; the mutable fields
// below (Delivered, Decision, SelfQC, Voted, QCRef, Parents) are all
// written under the event-loop's single-thread discipline (spec §5):
// Voted gains one entry per vote, and Prune clears QCRef and Parents.
type Block struct {
	ParentHashes []Hash // ordered, >=1; ParentHashes[0] is the direct parent
	CmdHash      Hash   // root hash of the erasure-coded/Merkle command batch
	QC           *QC    // QC the proposer chose to justify (genesis: a QC over its own hash)
	Extra        []byte
	Height       uint64
	Proposer     NodeID

	mu        sync.Mutex
	hash      Hash
	hashValid bool

	Delivered bool
	Decision  Status

	Parents []*Block // resolved, parallel to ParentHashes
	QCRef   *Block   // resolved block that QC justifies; genesis points at itself

	SelfQC *QC             // QC being accumulated for this block
	Voted  map[NodeID]bool // replicas that already voted for this block
}

// New constructs an undelivered block. Hash is computed lazily and
// cached; callers must not mutate ParentHashes/CmdHash/QC/Extra/Height
// after the first call to Hash().
func New(parents []Hash, cmdHash Hash, qc *QC, extra []byte, height uint64, proposer NodeID) *Block {
	return &Block{
		ParentHashes: parents,
		CmdHash:      cmdHash,
		QC:           qc,
		Extra:        extra,
		Height:       height,
		Proposer:     proposer,
		Voted:        make(map[NodeID]bool),
	}
}

// Genesis returns the self-referential genesis block b0 (spec §4.4
// Initialization): height 1, no parents; once its hash is computed
// (with no QC), Genesis assigns it a QC over that hash.
func Genesis() *Block {
	b := New(nil, Hash{}, nil, nil, 1, NodeID{})
	h := b.Hash()
	b.QC = &QC{BlockHash: h, weight: 0}
	b.QC.compute(nil)
	b.Delivered = true
	b.Decision = Committed
	b.QCRef = b
	return b
}

// Hash returns the deterministic hash of the block's immutable
// fields. Length-prefixed little-endian encoding, matching spec §6
// "Vote, Propose, Block serialization".
func (b *Block) Hash() Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hashValid {
		return b.hash
	}
	h := sha256.New()
	var lbuf [8]byte

	binary.LittleEndian.PutUint64(lbuf[:], uint64(len(b.ParentHashes)))
	h.Write(lbuf[:])
	for _, p := range b.ParentHashes {
		h.Write(p[:])
	}

	h.Write(b.CmdHash[:])

	if b.QC != nil {
		binary.LittleEndian.PutUint64(lbuf[:], 1)
		h.Write(lbuf[:])
		h.Write(b.QC.BlockHash[:])
	} else {
		binary.LittleEndian.PutUint64(lbuf[:], 0)
		h.Write(lbuf[:])
	}

	binary.LittleEndian.PutUint64(lbuf[:], uint64(len(b.Extra)))
	h.Write(lbuf[:])
	h.Write(b.Extra)

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	b.hash = Hash(sum)
	b.hashValid = true
	return b.hash
}

// DirectParent returns ParentHashes[0], the "direct parent" per §3.
func (b *Block) DirectParent() Hash {
	if len(b.ParentHashes) == 0 {
		return Hash{}
	}
	return b.ParentHashes[0]
}

// DirectParentBlock returns the resolved direct parent, or nil if the
// block has no parents (genesis) or is not yet delivered.
func (b *Block) DirectParentBlock() *Block {
	if len(b.Parents) == 0 {
		return nil
	}
	return b.Parents[0]
}
