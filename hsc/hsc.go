// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hsc implements the HotStuff Core state machine (spec §4.4):
// block delivery, QC formation, hqc tracking, two-/three-chain
// commit, and voting. It is driven exclusively by a single-threaded
// cooperative event loop (spec §5); every exported method here must
// be called from that one goroutine except where documented otherwise
// (decode futures resolve from worker goroutines and are only ever
// read back on the event loop).
package hsc

import (
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/hotstuff/block"
	"github.com/luxfi/hotstuff/config"
	"github.com/luxfi/hotstuff/metrics"
	"github.com/luxfi/hotstuff/rse"
	"github.com/luxfi/hotstuff/sc"
	"github.com/luxfi/hotstuff/storage"
)

// SafetyViolation is panicked (and must terminate the replica
// process, spec §7 "Fatal invariant breach") when a core safety
// invariant is found broken.
type SafetyViolation struct{ Msg string }

func (e *SafetyViolation) Error() string { return "hotstuff: safety violation: " + e.Msg }

func fatal(format string, args ...any) {
	panic(&SafetyViolation{Msg: fmt.Sprintf(format, args...)})
}

// Decoder decodes a block's accumulated shards into the original
// command batch. The default wraps rse.Decode + DeserializeCommands;
// tests may substitute a stub.
type Decoder func(shards [][]byte) ([]Command, error)

// Replica is one node's HotStuff Core state (spec §3 "Replica state
// (HSC)").
type Replica struct {
	cfg *config.Config
	log *zap.Logger
	met *metrics.Metrics

	store   *storage.Store
	shards  *sc.Container
	futures *futureTable
	decode  Decoder

	b0      *block.Block
	bLock   *block.Block
	bExec   *block.Block
	vheight uint64
	hqcBlk  *block.Block
	hqcQC   *block.QC

	tails map[Hash]*block.Block

	finalityObservers []func(Finality)
	decideObservers   []func(*block.Block)
}

// New constructs a Replica, creates genesis, and initializes all
// monotonic pointers to it (spec §4.4 Initialization).
func New(cfg *config.Config, log *zap.Logger, met *metrics.Metrics) *Replica {
	if met == nil {
		met = metrics.NoOp()
	}
	st := storage.New()
	b0 := block.Genesis()
	st.Add(b0)

	r := &Replica{
		cfg:     cfg,
		log:     log,
		met:     met,
		store:   st,
		shards:  sc.New(cfg.N(), cfg.NMajority()),
		futures: newFutureTable(),
		b0:      b0,
		bLock:   b0,
		bExec:   b0,
		hqcBlk:  b0,
		hqcQC:   b0.QC,
		tails:   map[Hash]*block.Block{b0.Hash(): b0},
	}
	params := rse.ParamsFromN(cfg.N())
	r.decode = func(shards [][]byte) ([]Command, error) {
		payload, err := rse.Decode(shards, params)
		if err != nil {
			return nil, err
		}
		return DeserializeCommands(payload)
	}
	return r
}

// OnFinality registers an observer invoked once per committed
// command once its block's decode future resolves.
func (r *Replica) OnFinality(f func(Finality)) { r.finalityObservers = append(r.finalityObservers, f) }

// OnDecide registers an observer invoked once a block's Decision
// flips to Committed, before decode is awaited (spec §4.4 update step
// 6 "notify consensus").
func (r *Replica) OnDecide(f func(*block.Block)) { r.decideObservers = append(r.decideObservers, f) }

// Store exposes the underlying Entity Storage for callers (hsb) that
// need to resolve or insert blocks delivered over the wire.
func (r *Replica) Store() *storage.Store { return r.store }

// B0 returns the genesis block.
func (r *Replica) B0() *block.Block { return r.b0 }

// HQC returns the highest known justified (block, QC) pair.
func (r *Replica) HQC() (*block.Block, *block.QC) { return r.hqcBlk, r.hqcQC }

// BLock returns the locked block.
func (r *Replica) BLock() *block.Block { return r.bLock }

// BExec returns the highest executed (committed) block.
func (r *Replica) BExec() *block.Block { return r.bExec }

// VHeight returns the highest height this replica has voted for.
func (r *Replica) VHeight() uint64 { return r.vheight }

// OnDeliverBlk resolves blk's parents and qc_ref from storage,
// computes its height, updates tails, and marks it delivered (spec
// §4.4 on_deliver_blk). Idempotent: redelivering is a warned no-op.
func (r *Replica) OnDeliverBlk(blk *block.Block) error {
	if blk.Delivered {
		r.log.Warn("redelivering already-delivered block", zap.Stringer("hash", blk.Hash()))
		return nil
	}
	if len(blk.ParentHashes) == 0 {
		return fmt.Errorf("hsc: non-genesis block must have >=1 parent")
	}

	parents := make([]*block.Block, len(blk.ParentHashes))
	for i, ph := range blk.ParentHashes {
		p, ok := r.store.Find(ph)
		if !ok {
			return fmt.Errorf("hsc: parent %s not delivered", ph)
		}
		parents[i] = p
	}

	var qcRef *block.Block
	if blk.QC != nil {
		ref, ok := r.store.Find(blk.QC.BlockHash)
		if !ok {
			return fmt.Errorf("hsc: qc_ref %s not delivered", blk.QC.BlockHash)
		}
		qcRef = ref
	}

	blk.Height = parents[0].Height + 1
	blk.Parents = parents
	blk.QCRef = qcRef

	r.store.Add(blk)
	r.store.Retain(parents[0].Hash())
	for _, p := range parents[1:] {
		r.store.Retain(p.Hash())
	}
	if qcRef != nil {
		r.store.Retain(qcRef.Hash())
	}

	delete(r.tails, parents[0].Hash())
	r.tails[blk.Hash()] = blk

	blk.Delivered = true
	return nil
}

// updateHQC sets hqc = (blk, qc.Clone()) if blk is higher than the
// current hqc block (spec §4.4 update_hqc).
func (r *Replica) updateHQC(blk *block.Block, qc *block.QC) {
	if blk.Height > r.hqcBlk.Height {
		r.hqcBlk = blk
		r.hqcQC = qc.Clone()
	}
}

// reachesBLock reports whether walking from blk along parent[0]
// reaches the currently locked block (spec §4.4 on_receive_proposal
// voting rule, "safety" branch).
func (r *Replica) reachesBLock(blk *block.Block) bool {
	lockHash := r.bLock.Hash()
	for cur := blk; cur != nil; cur = cur.DirectParentBlock() {
		if cur.Hash() == lockHash {
			return true
		}
	}
	return false
}

// update runs the three-chain (default) or two-chain commit pipeline
// rooted at nblk's justified chain (spec §4.4 update).
func (r *Replica) update(nblk *block.Block) {
	if r.cfg.ChainMode == config.TwoChain {
		r.updateTwoChain(nblk)
		return
	}

	bpp := nblk.QCRef // b''
	if bpp == nil || bpp.Decision == block.Committed {
		return
	}
	r.updateHQC(bpp, nblk.QC)

	bp := bpp.QCRef // b'
	if bp != nil && bp.Decision != block.Committed {
		r.maybeStartDecode(bp)
		if bp.Height > r.bLock.Height {
			r.bLock = bp
		}
	}

	if bp == nil {
		return
	}
	b := bp.QCRef
	if b == nil || b.Decision == block.Committed {
		return
	}
	if !(bpp.DirectParent() == bp.Hash() && bp.DirectParent() == b.Hash()) {
		return
	}
	r.commitFrom(b)
}

// updateTwoChain is the two-chain variant of update (spec §4.4
// "Two-chain variant"): only b' and b participate, gated on a single
// direct-parent check.
func (r *Replica) updateTwoChain(nblk *block.Block) {
	bp := nblk.QCRef // b'
	if bp == nil || bp.Decision == block.Committed {
		return
	}
	r.updateHQC(bp, nblk.QC)
	r.maybeStartDecode(bp)
	if bp.Height > r.bLock.Height {
		r.bLock = bp
	}

	b := bp.QCRef
	if b == nil || b.Decision == block.Committed {
		return
	}
	if bp.DirectParent() != b.Hash() {
		return
	}
	r.commitFrom(b)
}

// maybeStartDecode kicks off the asynchronous decode for blk once its
// SC bucket has reached threshold (spec §4.4 update step 3).
func (r *Replica) maybeStartDecode(blk *block.Block) {
	h := blk.Hash()
	if _, ok := r.futures.get(h); ok {
		return
	}
	if !r.shards.Enough(h) {
		return
	}
	shards, err := r.shards.GetBlock(h)
	if err != nil {
		return
	}
	r.futures.start(h, func() ([]Command, error) { return r.decode(shards) })
}

// commitFrom walks from b down parent[0] collecting every
// undecided block with height > b_exec.height, verifies the walk
// terminates exactly at b_exec, and commits the queue in reverse
// (spec §4.4 update steps 5-7).
func (r *Replica) commitFrom(b *block.Block) {
	var queue []*block.Block
	cur := b
	for cur.Height > r.bExec.Height {
		queue = append(queue, cur)
		parent := cur.DirectParentBlock()
		if parent == nil {
			fatal("commit walk fell off the parent chain before reaching b_exec (at height %d)", cur.Height)
		}
		cur = parent
	}
	if cur.Hash() != r.bExec.Hash() {
		fatal("commit walk terminated at %s, not b_exec %s", cur.Hash(), r.bExec.Hash())
	}

	for i := len(queue) - 1; i >= 0; i-- {
		r.commitOne(queue[i])
	}
	r.bExec = b
	r.met.CommitHeight.Set(float64(b.Height))
}

// commitOne commits a single block: marks it decided, notifies
// consensus, and emits Finality for its commands once decode
// resolves. The decode wait never blocks this (the event loop's)
// goroutine: if the future is not yet ready, emission is deferred to
// a spawned goroutine (spec §9 Open Question, deferred-emission
// choice).
func (r *Replica) commitOne(blk *block.Block) {
	blk.Decision = block.Committed
	r.met.BlocksCommitted.Inc()
	for _, obs := range r.decideObservers {
		obs(blk)
	}

	h := blk.Hash()
	f, ok := r.futures.get(h)
	if !ok {
		r.log.Warn("cannot find blk in cmds_db: commits for this block cannot be reported",
			zap.Stringer("hash", h), zap.Uint64("height", blk.Height))
		r.met.ShardsInsufficient.Inc()
		r.shards.Remove(h)
		return
	}

	emit := func(cmds []Command, err error) {
		r.shards.Remove(h)
		r.futures.erase(h)
		if err != nil {
			r.log.Warn("decode failed for committed block", zap.Stringer("hash", h), zap.Error(err))
			r.met.DecodeFailures.Inc()
			return
		}
		for i, c := range cmds {
			cmdHash := block.Hash(sha256.Sum256(c))
			fin := Finality{
				ID:      r.cfg.Self,
				Status:  1,
				Seq:     i,
				Height:  blk.Height,
				CmdHash: cmdHash,
				BlkHash: h,
			}
			for _, obs := range r.finalityObservers {
				obs(fin)
			}
		}
	}

	if f.ready() {
		cmds, err := f.wait()
		emit(cmds, err)
		return
	}
	go func() {
		cmds, err := f.wait()
		emit(cmds, err)
	}()
}

// OnPropose builds and delivers a new block extending parents,
// carrying cmdHash as its command-batch root (spec §4.4 on_propose
// steps 1-5; RSE/Merkle/Slice construction and the network send are
// the caller's — hsb's — responsibility per the component split in
// spec §2).
func (r *Replica) OnPropose(cmdHash Hash, parents []*block.Block, extra []byte) (*block.Block, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("hsc: on_propose requires >=1 parent")
	}

	bnew := block.New(parentHashes(parents), cmdHash, r.hqcQC.Clone(), extra, parents[0].Height+1, r.cfg.Self)
	bnew.SelfQC = block.NewQC(bnew.Hash())

	if err := r.OnDeliverBlk(bnew); err != nil {
		return nil, err
	}
	r.update(bnew)

	if bnew.Height <= r.vheight {
		fatal("proposed block height %d does not exceed vheight %d", bnew.Height, r.vheight)
	}
	return bnew, nil
}

func parentHashes(parents []*block.Block) []Hash {
	out := make([]Hash, len(parents))
	for i, p := range parents {
		out[i] = p.Hash()
	}
	return out
}

// OnReceiveProposal runs the voting rule for a delivered block (spec
// §4.4 on_receive_proposal steps 3-5). isOwn must be true for a
// proposal this replica itself produced (its deliver/update already
// ran inside OnPropose). Returns shouldVote=true iff the replica's
// safety/liveness check passes and r.vheight has been advanced; the
// caller (hsb) is then responsible for signing and sending the Vote.
func (r *Replica) OnReceiveProposal(blk *block.Block, isOwn bool) (shouldVote bool, err error) {
	if !isOwn {
		if err := r.OnDeliverBlk(blk); err != nil {
			return false, err
		}
		r.update(blk)
	}

	if blk.Height <= r.vheight {
		return false, nil
	}

	liveness := blk.QCRef != nil && blk.QCRef.Height > r.bLock.Height
	safety := r.reachesBLock(blk)
	if !liveness && !safety {
		return false, nil
	}

	r.vheight = blk.Height
	return true, nil
}

// OnReceiveVote folds a partial certificate into its block's self_qc,
// finalizing and propagating hqc once nmajority is reached (spec §4.4
// on_receive_vote).
func (r *Replica) OnReceiveVote(vote *block.PartialCert) error {
	blk, ok := r.store.Find(vote.BlockHash)
	if !ok {
		return fmt.Errorf("hsc: vote for unknown block %s", vote.BlockHash)
	}
	if len(blk.Voted) >= r.cfg.NMajority() || blk.Voted[vote.Voter] {
		return nil // duplicate or already-final, dropped per spec §4.4
	}
	pkTyped, ok := r.cfg.PublicKey(vote.Voter)
	if !ok {
		return fmt.Errorf("hsc: no public key for voter %s", vote.Voter)
	}
	if !vote.Verify(pkTyped) {
		r.log.Warn("dropping vote with invalid signature", zap.Stringer("voter", vote.Voter))
		return nil
	}

	blk.Voted[vote.Voter] = true
	if blk.SelfQC == nil {
		blk.SelfQC = block.NewQC(blk.Hash())
	}
	if err := blk.SelfQC.AddPartial(vote, pkTyped); err != nil {
		return nil
	}
	r.met.VotesReceived.Inc()

	if len(blk.Voted) >= r.cfg.NMajority() {
		blk.SelfQC.Compute()
		r.met.QCsFormed.Inc()
		r.updateHQC(blk, blk.SelfQC)
	}
	return nil
}

// OnReceiveSlice validates a shard against its embedded Merkle root
// and, if valid, inserts it into the Shards Container (spec §4.4
// on_receive_slice).
func (r *Replica) OnReceiveSlice(h Hash, index int, data []byte, branch []string, root string) error {
	// Implemented in hsc/slice.go to keep the merkle import localized.
	return r.onReceiveSlice(h, index, data, branch, root)
}

// Tails returns the blocks with no known child yet (spec §3 "tails").
// A leader's pacemaker consults this to pick parents for its next
// proposal; in the common single-chain case it holds exactly one
// entry.
func (r *Replica) Tails() []*block.Block {
	out := make([]*block.Block, 0, len(r.tails))
	for _, t := range r.tails {
		out = append(out, t)
	}
	return out
}

// Prune walks `staleness` steps up parent[0] from b_exec to find the
// pruning frontier `start`, then depth-first detaches every ancestor
// below it: qc_ref and parent links are nilled and their storage
// reference released as each edge is severed, so a block evicts once
// its last reference drops (spec §4.4 prune; grounded on
// original_source/src/consensus.cpp HotStuffCore::prune). `start`
// itself keeps its own storage entry and its link from b_exec's side
// of the chain — only the graph strictly below it is torn down; each
// of those ancestors was retained twice by its child on delivery (once
// as parents[0], once as qc_ref, see OnDeliverBlk) plus once for its
// own storage baseline, and all three drops are accounted for here.
func (r *Replica) Prune(staleness int) {
	start := r.bExec
	for i := 0; i < staleness; i++ {
		if len(start.Parents) == 0 {
			return
		}
		start = start.Parents[0]
	}

	if start.QCRef != nil {
		r.store.Release(start.QCRef.Hash())
		start.QCRef = nil
	}

	stack := append([]*block.Block(nil), start.Parents...)
	start.Parents = nil
	for _, p := range stack {
		r.store.Release(p.Hash())
	}

	for len(stack) > 0 {
		blk := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if blk.QCRef != nil {
			r.store.Release(blk.QCRef.Hash())
			blk.QCRef = nil
		}
		for _, p := range blk.Parents {
			r.store.Release(p.Hash())
			stack = append(stack, p)
		}
		blk.Parents = nil
		r.store.Release(blk.Hash())
	}
}
