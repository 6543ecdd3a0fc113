// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// hotstuffsim runs an in-memory N-replica HotStuff cluster end to end:
// real BLS-signed votes, real Reed-Solomon encoded/Merkle-authenticated
// shard dissemination, and real three-/two-chain commit. It exists to
// demonstrate spec §8 scenario 1 (and its variants) without a real
// network or pacemaker, the way cmd/sim demonstrates the teacher's own
// consensus protocol end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/crypto/bls"

	"github.com/luxfi/hotstuff/block"
	"github.com/luxfi/hotstuff/config"
	"github.com/luxfi/hotstuff/hsb"
	"github.com/luxfi/hotstuff/hsc"
)

func main() {
	n := flag.Int("nodes", 4, "cluster size N")
	rounds := flag.Int("rounds", 3, "number of commands to submit and commit")
	blkSize := flag.Int("blk-size", 1, "commands batched per proposed block")
	mode := flag.String("mode", "three-chain", "commit pipeline: three-chain or two-chain")
	dropFlag := flag.String("drop-shards", "", "comma-separated shard indices to drop in transit, e.g. 5,6")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	chainMode := config.ThreeChain
	switch *mode {
	case "three-chain":
	case "two-chain":
		chainMode = config.TwoChain
	default:
		fmt.Fprintf(os.Stderr, "hotstuffsim: unknown -mode %q (want three-chain or two-chain)\n", *mode)
		os.Exit(2)
	}

	drop := map[uint32]bool{}
	if *dropFlag != "" {
		for _, tok := range strings.Split(*dropFlag, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(tok))
			if err != nil {
				fmt.Fprintf(os.Stderr, "hotstuffsim: invalid -drop-shards entry %q: %v\n", tok, err)
				os.Exit(2)
			}
			drop[uint32(idx)] = true
		}
	}

	var log *zap.Logger
	var err error
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		log, err = cfg.Build()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hotstuffsim: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	sim, err := newSimulation(*n, *blkSize, chainMode, drop, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hotstuffsim: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *rounds; i++ {
		cmd := hsc.Command(fmt.Sprintf("cmd-%d", i))
		fin, err := sim.proposeAndAwaitCommit(cmd)
		if err != nil {
			fmt.Printf("round %d: %v\n", i, err)
			continue
		}
		fmt.Printf("round %d: committed height=%d blk_hash=%s cmd_hash=%s\n",
			i, fin.Height, fin.BlkHash, fin.CmdHash)
	}

	leader := sim.bases[0]
	fmt.Printf("final: b_exec height=%d, %d/%d replicas agree\n",
		leader.HSC().BExec().Height, sim.agreeingReplicas(), *n)
}

// simulation wires N hsb.Base instances over an in-process hub,
// replica 0 as the fixed leader, driving beats synchronously (spec §8
// scenario 1 "four-replica happy path", generalized to N and to
// shard-loss scenarios 2/3).
type simulation struct {
	n     int
	hub   *hub
	bases []*hsb.Base
	ids   []block.NodeID

	mu      sync.Mutex
	waiters map[block.Hash]chan hsc.Finality
}

func newSimulation(n, blkSize int, mode config.ChainMode, drop map[uint32]bool, log *zap.Logger) (*simulation, error) {
	if n < 4 {
		return nil, fmt.Errorf("cluster size must be >=4 to tolerate any Byzantine replica, got %d", n)
	}

	ids := make([]block.NodeID, n)
	secrets := make([]*bls.SecretKey, n)
	pubkeys := make([]*bls.PublicKey, n)
	for i := 0; i < n; i++ {
		ids[i] = block.NodeID{byte(i + 1)}
		sk, err := bls.NewSecretKey()
		if err != nil {
			return nil, fmt.Errorf("generating replica %d key: %w", i, err)
		}
		secrets[i] = sk
		pubkeys[i] = bls.PublicKeyFromSecretKey(sk)
	}

	h := newHub(ids, drop)

	sim := &simulation{n: n, hub: h, ids: ids, waiters: make(map[block.Hash]chan hsc.Finality)}

	bases := make([]*hsb.Base, n)
	for i := 0; i < n; i++ {
		reps := make([]config.Replica, n)
		for j := 0; j < n; j++ {
			reps[j] = config.Replica{ID: ids[j], PublicKey: pubkeys[j]}
		}
		cfg := &config.Config{
			Self:      ids[i],
			SecretKey: secrets[i],
			Replicas:  reps,
			ChainMode: mode,
			BlkSize:   blkSize,
			Staleness: 10,
		}
		nv := &netView{hub: h, self: ids[i]}
		pm := &fixedLeaderPM{leader: ids[0]}
		bases[i] = hsb.New(cfg, log.Named(ids[i].String()), nil, nv, pm)
		h.bases[ids[i]] = bases[i]
	}
	sim.bases = bases

	leader := bases[0]
	leader.HSC().OnFinality(func(f hsc.Finality) {
		sim.mu.Lock()
		ch, ok := sim.waiters[f.BlkHash]
		sim.mu.Unlock()
		if ok {
			ch <- f
		}
	})

	return sim, nil
}

// proposeAndAwaitCommit submits cmd to the leader, drives a beat on
// every replica until cmd's containing block commits, and returns its
// Finality. Follow-on beats (to extend the three-/two-chain) are
// driven with empty filler commands, the way a real pacemaker's timer
// would keep proposing.
func (s *simulation) proposeAndAwaitCommit(cmd hsc.Command) (hsc.Finality, error) {
	leader := s.bases[0]
	result := make(chan hsc.Finality, 1)

	var blkHash block.Hash
	leader.ExecCommand(cmd, func(hsc.Finality) {})
	if err := leader.TryPropose(context.Background()); err != nil {
		return hsc.Finality{}, fmt.Errorf("proposing: %w", err)
	}
	tails := leader.HSC().Tails()
	if len(tails) != 1 {
		return hsc.Finality{}, fmt.Errorf("expected one tail after propose, got %d", len(tails))
	}
	blkHash = tails[0].Hash()

	s.mu.Lock()
	s.waiters[blkHash] = result
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, blkHash)
		s.mu.Unlock()
	}()

	const maxFillerBeats = 3
	for i := 0; i < maxFillerBeats; i++ {
		select {
		case fin := <-result:
			return fin, nil
		case <-time.After(10 * time.Millisecond):
		}
		leader.ExecCommand(hsc.Command{}, func(hsc.Finality) {})
		if err := leader.TryPropose(context.Background()); err != nil {
			return hsc.Finality{}, fmt.Errorf("proposing filler beat %d: %w", i, err)
		}
	}

	select {
	case fin := <-result:
		return fin, nil
	case <-time.After(50 * time.Millisecond):
		return hsc.Finality{}, fmt.Errorf("block %s committed but shards were insufficient to decode (spec §8 scenario 3)", blkHash)
	}
}

// agreeingReplicas counts replicas whose b_exec hash matches the
// leader's, the safety property spec §8 invariant 2 asserts.
func (s *simulation) agreeingReplicas() int {
	want := s.bases[0].HSC().BExec().Hash()
	n := 0
	for _, b := range s.bases {
		if b.HSC().BExec().Hash() == want {
			n++
		}
	}
	return n
}
