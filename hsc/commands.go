// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hsc

import (
	"encoding/binary"
	"fmt"
)

// Command is an opaque client command. The state machine above HSC
// interprets its bytes; HSC only ever serializes, hashes, and
// transports commands as a batch.
type Command []byte

// SerializeCommands produces the canonical byte string hashed/encoded
// for a block's command batch (spec §4.4 on_propose step 1, §3
// "cmd_hash ... root hash ... over serialized command batch").
// Length-prefixed, little-endian, matching the wire conventions of
// spec §6.
func SerializeCommands(cmds []Command) []byte {
	out := make([]byte, 0, 4+len(cmds)*8)
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(cmds)))
	out = append(out, lbuf[:]...)
	for _, c := range cmds {
		binary.LittleEndian.PutUint32(lbuf[:], uint32(len(c)))
		out = append(out, lbuf[:]...)
		out = append(out, c...)
	}
	return out
}

// DeserializeCommands reverses SerializeCommands.
func DeserializeCommands(data []byte) ([]Command, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("hsc: command batch too short")
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	cmds := make([]Command, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("hsc: truncated command batch")
		}
		clen := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		if off+int(clen) > len(data) {
			return nil, fmt.Errorf("hsc: truncated command body")
		}
		cmds = append(cmds, Command(data[off:off+int(clen)]))
		off += int(clen)
	}
	return cmds, nil
}
