// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hsb implements HotStuff Base (spec §4.5): the transport
// integration that wires HotStuff Core (hsc) to a network and a
// pacemaker, drives the leader's propose pipeline, and performs
// recursive async block delivery. Pacemaker and Network are capability
// interfaces (spec §9 "Dynamic dispatch among pacemakers / networks");
// the transport, leader-rotation policy, and beat timers themselves
// are out of scope (spec §1) and supplied by the caller.
package hsb

import (
	"context"

	"github.com/luxfi/hotstuff/block"
)

// Pacemaker decides the current proposer and drives propose/vote-
// response beats (spec §9 capability interface). Base calls into it;
// it never calls back into hsc directly.
type Pacemaker interface {
	// GetProposer returns the replica expected to propose at height.
	GetProposer(height uint64) block.NodeID
	// Beat is invoked by the pacemaker's own timer to request a new
	// proposal attempt from Base.
	Beat(ctx context.Context)
	// BeatResp is invoked once a QC forms, so the pacemaker can reset
	// its view-change timer.
	BeatResp(qc *block.QC)
	// OnConsensus is invoked once a block commits.
	OnConsensus(blk *block.Block)
	// Init gives the pacemaker a handle back to Base, e.g. so Beat can
	// call Base.TryPropose.
	Init(base *Base)
	// GetParents returns the parent set a new proposal should extend.
	// The pacemaker is a trusted input; Base does not second-guess
	// height ordering here (spec §9 Open Questions).
	GetParents() []*block.Block
}

// Network is the messaging capability Base is polymorphic over (spec
// §9). Grounded on the teacher's engine/bft Comm.Send/Comm.Broadcast
// split (single-destination send vs. fan-out multicast).
type Network interface {
	// Multicast sends msg to every other replica.
	Multicast(msg Message)
	// Send delivers msg to a single replica.
	Send(msg Message, to block.NodeID)
	// Fetch requests blk's bytes from peer, blocking until the
	// response arrives, the context is canceled, or the peer errors.
	Fetch(ctx context.Context, hash block.Hash, from block.NodeID) (*WireBlock, error)
	// RegisterHandler installs Base's inbound message dispatcher.
	RegisterHandler(handler func(from block.NodeID, msg Message))
	// RegisterConnHandler installs a callback fired when a peer's
	// connectivity changes (up=true on connect, false on disconnect).
	RegisterConnHandler(handler func(peer block.NodeID, up bool))
}
