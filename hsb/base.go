// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hsb

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/luxfi/hotstuff/block"
	"github.com/luxfi/hotstuff/config"
	"github.com/luxfi/hotstuff/hsc"
	"github.com/luxfi/hotstuff/merkle"
	"github.com/luxfi/hotstuff/metrics"
	"github.com/luxfi/hotstuff/rse"
)

// Base is HotStuff Base (spec §2 "HSB", §4.5): it owns a HotStuff Core
// replica and integrates it with a Network and a Pacemaker, running
// the propose pipeline and the inbound message dispatch loop. Like hsc
// itself, every exported method here is meant to be invoked from a
// single cooperative event-loop goroutine (spec §5), except where
// documented (AsyncDeliverBlk's recursive fetches run on whatever
// goroutine the Network implementation schedules them on).
type Base struct {
	cfg *config.Config
	log *zap.Logger
	met *metrics.Metrics

	hsc *hsc.Replica
	net Network
	pm  Pacemaker

	rseParams rse.Params
	waiters   *deliverWaiters

	mu          sync.Mutex
	pendingCmds []pendingCmd
	blockCBs    map[block.Hash]*blockCBs
}

type pendingCmd struct {
	cmd hsc.Command
	cb  func(hsc.Finality)
}

// blockCBs holds the per-command callbacks registered against a
// proposed block's commands, in submission order (which decode
// preserves, spec §4.4 "for each decoded command c_i at position i").
// Entries are dropped once every callback has fired.
type blockCBs struct {
	cbs   []func(hsc.Finality)
	fired int
}

// New constructs Base, wires it to net and pm, and registers the
// inbound message handler (spec §4.5).
func New(cfg *config.Config, log *zap.Logger, met *metrics.Metrics, net Network, pm Pacemaker) *Base {
	if met == nil {
		met = metrics.NoOp()
	}
	b := &Base{
		cfg:       cfg,
		log:       log,
		met:       met,
		hsc:       hsc.New(cfg, log, met),
		net:       net,
		pm:        pm,
		rseParams: rse.ParamsFromN(cfg.N()),
		waiters:   newDeliverWaiters(),
		blockCBs:  make(map[block.Hash]*blockCBs),
	}
	net.RegisterHandler(b.onMessage)
	pm.Init(b)
	b.hsc.OnFinality(b.dispatchFinality)
	b.hsc.OnDecide(func(blk *block.Block) { b.pm.OnConsensus(blk) })
	return b
}

// HSC exposes the underlying HotStuff Core replica, e.g. for tests
// that want to inspect b_lock/b_exec/hqc directly.
func (b *Base) HSC() *hsc.Replica { return b.hsc }

func (b *Base) dispatchFinality(f hsc.Finality) {
	b.mu.Lock()
	bc, ok := b.blockCBs[f.BlkHash]
	b.mu.Unlock()
	if !ok {
		return
	}
	if f.Seq < len(bc.cbs) && bc.cbs[f.Seq] != nil {
		bc.cbs[f.Seq](f)
	}

	b.mu.Lock()
	bc.fired++
	if bc.fired >= len(bc.cbs) {
		delete(b.blockCBs, f.BlkHash)
	}
	b.mu.Unlock()
}

// ExecCommand enqueues cmd for eventual proposal, firing cb once its
// containing block's commands reach Finality (spec §4.5 "Command
// ingress": "exec_command(cmd_hash, callback) enqueues"). cmd is
// accepted into the buffer regardless of whether this replica is the
// current proposer; TryPropose drains it on a beat this replica leads.
// cb fires only for commands this replica itself proposes: callbacks
// are tied to the block TryPropose builds, and a command still in the
// buffer of a replica that does not lead is not matched against
// blocks proposed by others, so its cb is not called.
func (b *Base) ExecCommand(cmd hsc.Command, cb func(hsc.Finality)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingCmds = append(b.pendingCmds, pendingCmd{cmd: cmd, cb: cb})
}

// TryPropose is invoked by the pacemaker on each beat (spec §4.5
// "Propose pipeline (leader)"). If fewer than BlkSize commands are
// pending, or this replica is not the proposer for the next height, it
// is a no-op. Otherwise it takes the first BlkSize pending commands
// (later ones stay buffered), encodes them with RSE,
// builds the Merkle tree, proposes through hsc, and sends one Propose
// message per replica carrying that replica's unique shard
// (self-delivered locally, never sent to self over the network).
func (b *Base) TryPropose(ctx context.Context) error {
	if b.pm.GetProposer(b.hsc.VHeight()+1) != b.cfg.Self {
		return nil
	}

	b.mu.Lock()
	if len(b.pendingCmds) < b.cfg.BlkSize {
		b.mu.Unlock()
		return nil
	}
	batch := b.pendingCmds[:b.cfg.BlkSize]
	b.pendingCmds = append([]pendingCmd(nil), b.pendingCmds[b.cfg.BlkSize:]...)
	b.mu.Unlock()

	cmds := make([]hsc.Command, len(batch))
	cbs := make([]func(hsc.Finality), len(batch))
	for i, pc := range batch {
		cmds[i] = pc.cmd
		cbs[i] = pc.cb
	}

	payload := hsc.SerializeCommands(cmds)
	shards, err := rse.Encode(payload, b.rseParams)
	if err != nil {
		return fmt.Errorf("hsb: encoding proposal batch: %w", err)
	}
	tree := merkle.Build(shards)
	root := tree.Root()
	cmdHash := hashFromHex(root)

	parents := b.pm.GetParents()
	bnew, err := b.hsc.OnPropose(cmdHash, parents, nil)
	if err != nil {
		return fmt.Errorf("hsb: on_propose: %w", err)
	}

	h := bnew.Hash()
	b.mu.Lock()
	b.blockCBs[h] = &blockCBs{cbs: cbs}
	b.mu.Unlock()

	for i, rep := range b.cfg.Replicas {
		prop := &Propose{
			Blk: ToWire(bnew),
			Slice: &Slice{
				BlockHash: h,
				Index:     uint32(i),
				Root:      root,
				Branch:    tree.Proof(i),
				Data:      shards[i],
			},
		}
		if rep.ID == b.cfg.Self {
			b.receiveProposal(prop, true)
			continue
		}
		b.net.Send(prop, rep.ID)
	}
	return nil
}

// onMessage is the Network-registered inbound dispatcher.
func (b *Base) onMessage(from block.NodeID, msg Message) {
	switch m := msg.(type) {
	case *Propose:
		b.receiveProposal(m, m.Blk.Proposer == b.cfg.Self)
	case *Vote:
		b.receiveVote(m)
	case *Slice:
		b.receiveSliceBroadcast(m, from)
	case *ReqBlock:
		b.respondToFetch(m, from)
	case *RespBlock:
		// Responses are consumed synchronously by Network.Fetch
		// implementations; Base's dispatcher has nothing to do here.
	default:
		b.log.Warn("dropping message of unknown type")
	}
}

// receiveProposal runs spec §4.4 on_receive_proposal: validate the
// slice, insert it into SC, rebroadcast, deliver+update the block (for
// non-own proposals), then apply the voting rule.
func (b *Base) receiveProposal(prop *Propose, isOwn bool) {
	h := prop.Slice.BlockHash
	if err := b.hsc.OnReceiveSlice(h, int(prop.Slice.Index), prop.Slice.Data, prop.Slice.Branch, prop.Slice.Root); err != nil {
		b.log.Warn("rejecting proposal's own slice", zap.Error(err))
		return
	}
	if !isOwn {
		b.net.Multicast(&Slice{
			BlockHash: h,
			Index:     prop.Slice.Index,
			Root:      prop.Slice.Root,
			Branch:    prop.Slice.Branch,
			Data:      prop.Slice.Data,
		})
	}

	var blk *block.Block
	if isOwn {
		found, ok := b.hsc.Store().Find(h)
		if !ok {
			b.log.Error("own proposal missing from storage", zap.Stringer("hash", h))
			return
		}
		blk = found
	} else {
		wireBlk, err := prop.Blk.ToBlock()
		if err != nil {
			b.log.Warn("dropping proposal with malformed block", zap.Error(err))
			return
		}
		blk = wireBlk
	}

	shouldVote, err := b.hsc.OnReceiveProposal(blk, isOwn)
	if err != nil {
		b.log.Warn("on_receive_proposal failed", zap.Error(err), zap.Stringer("hash", h))
		return
	}
	if !shouldVote {
		return
	}

	cert := block.Sign(b.cfg.SecretKey, b.cfg.Self, blk.Hash())
	b.net.Send(&Vote{Voter: b.cfg.Self, BlockHash: blk.Hash(), SigBytes: cert.SigBytes()}, blk.Proposer)
}

func (b *Base) receiveVote(v *Vote) {
	cert, err := v.ToPartialCert()
	if err != nil {
		b.log.Warn("dropping vote with malformed signature", zap.Error(err))
		return
	}
	if err := b.hsc.OnReceiveVote(cert); err != nil {
		b.log.Warn("on_receive_vote failed", zap.Error(err))
		return
	}
	if blk, ok := b.hsc.Store().Find(v.BlockHash); ok && blk.SelfQC != nil && blk.SelfQC.Weight() >= b.cfg.NMajority() {
		b.pm.BeatResp(blk.SelfQC)
	}
}

// receiveSliceBroadcast handles a Slice arriving outside a Propose
// envelope (spec §4.4 on_receive_proposal step 2: "re-broadcast the
// slice to all peers" — the rebroadcast a follower sees from others).
func (b *Base) receiveSliceBroadcast(s *Slice, _ block.NodeID) {
	if err := b.hsc.OnReceiveSlice(s.BlockHash, int(s.Index), s.Data, s.Branch, s.Root); err != nil {
		b.log.Debug("dropping rebroadcast slice", zap.Error(err))
	}
}

func (b *Base) respondToFetch(req *ReqBlock, to block.NodeID) {
	blk, ok := b.hsc.Store().Find(req.Hash)
	if !ok {
		b.net.Send(&RespBlock{Found: false}, to)
		return
	}
	b.net.Send(&RespBlock{Found: true, Blk: ToWire(blk)}, to)
}

func hashFromHex(hexRoot string) block.Hash {
	var h block.Hash
	for i := 0; i < len(h) && i*2+1 < len(hexRoot); i++ {
		h[i] = hexNibble(hexRoot[i*2])<<4 | hexNibble(hexRoot[i*2+1])
	}
	return h
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}
