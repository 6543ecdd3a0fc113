// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hsc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/hotstuff/merkle"
)

// onReceiveSlice validates data against (root, branch, index) and, if
// valid, inserts it into the Shards Container under block hash h
// (spec §4.4 on_receive_slice). Invalid slices are dropped and
// logged, never stored or rebroadcast (spec §8 scenario 6).
func (r *Replica) onReceiveSlice(h Hash, index int, data []byte, branch []string, root string) error {
	if !merkle.Validate(data, index, branch, root) {
		r.log.Warn("dropping slice that fails merkle validation",
			zap.Stringer("block", h), zap.Int("index", index))
		r.met.SlicesRejected.Inc()
		return fmt.Errorf("hsc: slice %d for block %s failed validation", index, h)
	}
	if err := r.shards.InsertShard(h, index, data); err != nil {
		r.log.Debug("dropping duplicate or out-of-range slice",
			zap.Stringer("block", h), zap.Int("index", index), zap.Error(err))
		return nil
	}
	return nil
}
