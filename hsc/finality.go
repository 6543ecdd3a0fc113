// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hsc

import "github.com/luxfi/hotstuff/block"

// Hash and NodeID are re-exported from block for call-site brevity,
// mirroring the teacher's types.go re-export convention
// (types.ID = ids.ID, types.Hash = ids.ID).
type (
	Hash   = block.Hash
	NodeID = block.NodeID
)

// Finality is the commit callback payload (spec GLOSSARY "Finality";
// §4.4 update step 6).
type Finality struct {
	ID      NodeID
	Status  int
	Seq     int
	Height  uint64
	CmdHash Hash // per-command identity: here the hash of Command c_i's bytes
	BlkHash Hash
}
