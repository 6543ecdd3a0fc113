// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config carries the static replica-set and protocol
// parameters a HotStuff replica is constructed with. It is a plain
// struct, not a flag/file parser: parsing configuration from disk or
// the environment is an external collaborator per spec §1 Non-goals.
// Shaped after the teacher's core/runtime.Config / core/runtime.Deps
// split between immutable parameters and injected collaborators.
package config

import (
	"github.com/luxfi/crypto/bls"

	"github.com/luxfi/hotstuff/block"
)

// ChainMode selects the commit-pipeline variant (spec §4.4).
type ChainMode int

const (
	ThreeChain ChainMode = iota
	TwoChain
)

// Replica describes one cluster member's identity and public key.
type Replica struct {
	ID        block.NodeID
	PublicKey *bls.PublicKey
}

// Config is the static, immutable configuration of a single replica
// (spec §3 "Replica state (HSC)": "config (replicas and their public
// keys; quorum size nmajority = n − f)").
type Config struct {
	Self      block.NodeID
	SecretKey *bls.SecretKey
	Replicas  []Replica

	// ChainMode selects three-chain (default) or two-chain commit.
	ChainMode ChainMode

	// BlkSize is the number of pending commands the leader needs
	// before it proposes, and the number it batches into each
	// proposal (spec §4.5 "Propose pipeline").
	BlkSize int

	// Staleness is the prune depth, in parent[0] steps back from
	// b_exec (spec §4.4 prune). Nothing in the module reads it:
	// hsc.Replica.Prune takes its depth as an argument.
	Staleness int
}

// N returns the cluster size.
func (c *Config) N() int { return len(c.Replicas) }

// F returns the maximum tolerated Byzantine replica count,
// f = floor((N-1)/3).
func (c *Config) F() int { return (c.N() - 1) / 3 }

// NMajority returns the quorum size n - f (spec §6 "Threshold formula").
func (c *Config) NMajority() int { return c.N() - c.F() }

// PublicKey looks up the public key for a replica ID.
func (c *Config) PublicKey(id block.NodeID) (*bls.PublicKey, bool) {
	for _, r := range c.Replicas {
		if r.ID == id {
			return r.PublicKey, true
		}
	}
	return nil, false
}
