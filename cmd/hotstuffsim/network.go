// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"

	"github.com/luxfi/hotstuff/block"
	"github.com/luxfi/hotstuff/hsb"
)

// hub is an in-process, synchronous stand-in for the real network
// transport (spec §1 "out of scope: the network transport"). It
// delivers every Send/Multicast by direct call and can drop chosen
// shard indices in transit, the way spec §8 scenarios 2/3 do. A dropped
// index loses only the rebroadcast Slice; the Propose carrying that
// shard still reaches its own recipient, which can then vote.
type hub struct {
	order   []block.NodeID
	bases   map[block.NodeID]*hsb.Base
	handler map[block.NodeID]func(from block.NodeID, msg hsb.Message)
	drop    map[uint32]bool
}

func newHub(order []block.NodeID, drop map[uint32]bool) *hub {
	return &hub{
		order:   order,
		bases:   make(map[block.NodeID]*hsb.Base),
		handler: make(map[block.NodeID]func(from block.NodeID, msg hsb.Message)),
		drop:    drop,
	}
}

func (h *hub) transform(msg hsb.Message) (hsb.Message, bool) {
	switch m := msg.(type) {
	case *hsb.Slice:
		if h.drop[m.Index] {
			return nil, true
		}
		return m, false
	case *hsb.Propose:
		return m, false
	default:
		return msg, false
	}
}

func (h *hub) deliver(to, from block.NodeID, msg hsb.Message) {
	out, drop := h.transform(msg)
	if drop {
		return
	}
	handler, ok := h.handler[to]
	if !ok {
		return
	}
	handler(from, out)
}

// netView is the per-replica handle onto the shared hub, implementing
// hsb.Network (spec §9 "Dynamic dispatch among pacemakers / networks").
type netView struct {
	hub  *hub
	self block.NodeID
}

func (n *netView) Multicast(msg hsb.Message) {
	for _, id := range n.hub.order {
		if id == n.self {
			continue
		}
		n.hub.deliver(id, n.self, msg)
	}
}

func (n *netView) Send(msg hsb.Message, to block.NodeID) { n.hub.deliver(to, n.self, msg) }

func (n *netView) Fetch(_ context.Context, hash block.Hash, from block.NodeID) (*hsb.WireBlock, error) {
	peer, ok := n.hub.bases[from]
	if !ok {
		return nil, fmt.Errorf("hotstuffsim: unknown fetch peer %s", from)
	}
	blk, ok := peer.HSC().Store().Find(hash)
	if !ok {
		return nil, fmt.Errorf("hotstuffsim: block %s not found at peer %s", hash, from)
	}
	return hsb.ToWire(blk), nil
}

func (n *netView) RegisterHandler(handler func(from block.NodeID, msg hsb.Message)) {
	n.hub.handler[n.self] = handler
}

func (n *netView) RegisterConnHandler(func(peer block.NodeID, up bool)) {}

// fixedLeaderPM is a minimal Pacemaker (spec §9 capability interface):
// a single static leader, parents always taken from the leader's
// current tail set, no view changes. The simulator drives beats
// explicitly rather than via a real timer.
type fixedLeaderPM struct {
	leader block.NodeID
	base   *hsb.Base
}

func (p *fixedLeaderPM) GetProposer(uint64) block.NodeID { return p.leader }
func (p *fixedLeaderPM) Beat(ctx context.Context)        { _ = p.base.TryPropose(ctx) }
func (p *fixedLeaderPM) BeatResp(*block.QC)              {}
func (p *fixedLeaderPM) OnConsensus(*block.Block)        {}
func (p *fixedLeaderPM) Init(base *hsb.Base)             { p.base = base }
func (p *fixedLeaderPM) GetParents() []*block.Block      { return p.base.HSC().Tails() }
