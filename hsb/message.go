// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hsb

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/hotstuff/block"
)

// Opcode identifies a message's wire type (spec §6 "Message framing":
// "fixed opcode ... and a length-prefixed payload").
type Opcode uint8

const (
	OpPropose Opcode = iota + 1
	OpVote
	OpReqBlock
	OpRespBlock
	OpSlice
)

// Message is any of the five wire message kinds.
type Message interface {
	Opcode() Opcode
	marshal() []byte
}

// Encode frames msg as opcode(1) || len(u32 LE) || payload, the
// generic envelope every Network implementation sends over the wire.
func Encode(msg Message) []byte {
	body := msg.marshal()
	out := make([]byte, 0, 1+4+len(body))
	out = append(out, byte(msg.Opcode()))
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(body)))
	out = append(out, lbuf[:]...)
	out = append(out, body...)
	return out
}

// Decode parses a framed message produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("hsb: frame too short")
	}
	op := Opcode(data[0])
	n := binary.LittleEndian.Uint32(data[1:5])
	body := data[5:]
	if uint32(len(body)) != n {
		return nil, fmt.Errorf("hsb: frame length mismatch: header says %d, have %d", n, len(body))
	}
	switch op {
	case OpPropose:
		return unmarshalPropose(body)
	case OpVote:
		return unmarshalVote(body)
	case OpReqBlock:
		return unmarshalReqBlock(body)
	case OpRespBlock:
		return unmarshalRespBlock(body)
	case OpSlice:
		return unmarshalSlice(body)
	default:
		return nil, fmt.Errorf("hsb: unknown opcode %d", op)
	}
}

// --- Slice ---

// Slice is the network message carrying one erasure-coded shard bound
// to a block hash, authenticated by a Merkle inclusion proof (spec §3
// "Slice", §6 "Shard on the wire").
type Slice struct {
	BlockHash block.Hash
	Index     uint32
	Root      string // 64 ASCII hex chars
	Branch    []string
	Data      []byte
}

func (s *Slice) Opcode() Opcode { return OpSlice }

func (s *Slice) marshal() []byte {
	out := make([]byte, 0, 32+4+64+4+len(s.Branch)*64+4+len(s.Data))
	out = append(out, s.BlockHash[:]...)
	out = appendU32(out, s.Index)
	out = append(out, []byte(s.Root)...)
	out = appendU32(out, uint32(len(s.Branch)))
	for _, sib := range s.Branch {
		out = append(out, []byte(sib)...)
	}
	out = appendU32(out, uint32(len(s.Data)))
	out = append(out, s.Data...)
	return out
}

func unmarshalSlice(b []byte) (*Slice, error) {
	var s Slice
	off := 0
	if len(b) < 32 {
		return nil, fmt.Errorf("hsb: slice frame too short")
	}
	copy(s.BlockHash[:], b[off:off+32])
	off += 32

	idx, off2, err := readU32(b, off)
	if err != nil {
		return nil, err
	}
	s.Index, off = idx, off2

	if off+64 > len(b) {
		return nil, fmt.Errorf("hsb: slice root truncated")
	}
	s.Root = string(b[off : off+64])
	off += 64

	branchLen, off3, err := readU32(b, off)
	if err != nil {
		return nil, err
	}
	off = off3
	s.Branch = make([]string, branchLen)
	for i := range s.Branch {
		if off+64 > len(b) {
			return nil, fmt.Errorf("hsb: slice branch truncated")
		}
		s.Branch[i] = string(b[off : off+64])
		off += 64
	}

	dataLen, off4, err := readU32(b, off)
	if err != nil {
		return nil, err
	}
	off = off4
	if off+int(dataLen) > len(b) {
		return nil, fmt.Errorf("hsb: slice data truncated")
	}
	s.Data = append([]byte(nil), b[off:off+int(dataLen)]...)
	return &s, nil
}

// --- WireBlock / Propose ---

// WireBlock is the length-prefixed serialization of a Block: parent
// hashes, cmd_hash, qc, extra, height, proposer (spec §6 "Block =
// parent_hashes | cmd_hashes | qc | extra").
type WireBlock struct {
	ParentHashes []block.Hash
	CmdHash      block.Hash
	HasQC        bool
	QCBlockHash  block.Hash
	QCWeight     uint32
	QCAggSig     []byte
	QCAggPK      []byte
	Extra        []byte
	Height       uint64
	Proposer     block.NodeID
}

// ToWire captures blk's fields for transport.
func ToWire(blk *block.Block) *WireBlock {
	w := &WireBlock{
		ParentHashes: blk.ParentHashes,
		CmdHash:      blk.CmdHash,
		Extra:        blk.Extra,
		Height:       blk.Height,
		Proposer:     blk.Proposer,
	}
	if blk.QC != nil {
		w.HasQC = true
		w.QCBlockHash = blk.QC.BlockHash
		w.QCWeight = uint32(blk.QC.Weight())
		w.QCAggSig, w.QCAggPK = blk.QC.AggBytes()
	}
	return w
}

// ToBlock reconstructs an undelivered *block.Block from its wire form,
// the way a receiving replica would before calling hsc.OnDeliverBlk.
func (w *WireBlock) ToBlock() (*block.Block, error) {
	var qc *block.QC
	if w.HasQC {
		var err error
		qc, err = block.QCFromWire(w.QCBlockHash, int(w.QCWeight), w.QCAggSig, w.QCAggPK)
		if err != nil {
			return nil, fmt.Errorf("hsb: reconstructing qc: %w", err)
		}
	}
	return block.New(w.ParentHashes, w.CmdHash, qc, w.Extra, w.Height, w.Proposer), nil
}

func (w *WireBlock) marshalInto(out []byte) []byte {
	out = appendU32(out, uint32(len(w.ParentHashes)))
	for _, p := range w.ParentHashes {
		out = append(out, p[:]...)
	}
	out = append(out, w.CmdHash[:]...)
	if w.HasQC {
		out = append(out, 1)
		out = append(out, w.QCBlockHash[:]...)
		out = appendU32(out, w.QCWeight)
		out = appendU32(out, uint32(len(w.QCAggSig)))
		out = append(out, w.QCAggSig...)
		out = appendU32(out, uint32(len(w.QCAggPK)))
		out = append(out, w.QCAggPK...)
	} else {
		out = append(out, 0)
	}
	out = appendU32(out, uint32(len(w.Extra)))
	out = append(out, w.Extra...)
	var hbuf [8]byte
	binary.LittleEndian.PutUint64(hbuf[:], w.Height)
	out = append(out, hbuf[:]...)
	out = append(out, w.Proposer[:]...)
	return out
}

func unmarshalWireBlockAt(b []byte, off int) (*WireBlock, int, error) {
	var w WireBlock
	n, off, err := readU32(b, off)
	if err != nil {
		return nil, off, err
	}
	w.ParentHashes = make([]block.Hash, n)
	for i := range w.ParentHashes {
		if off+32 > len(b) {
			return nil, off, fmt.Errorf("hsb: parent hash truncated")
		}
		copy(w.ParentHashes[i][:], b[off:off+32])
		off += 32
	}
	if off+32 > len(b) {
		return nil, off, fmt.Errorf("hsb: cmd_hash truncated")
	}
	copy(w.CmdHash[:], b[off:off+32])
	off += 32

	if off >= len(b) {
		return nil, off, fmt.Errorf("hsb: qc presence flag truncated")
	}
	hasQC := b[off]
	off++
	if hasQC == 1 {
		w.HasQC = true
		if off+32 > len(b) {
			return nil, off, fmt.Errorf("hsb: qc block hash truncated")
		}
		copy(w.QCBlockHash[:], b[off:off+32])
		off += 32

		weight, o, err := readU32(b, off)
		if err != nil {
			return nil, off, err
		}
		w.QCWeight, off = weight, o

		sigLen, o2, err := readU32(b, off)
		if err != nil {
			return nil, off, err
		}
		off = o2
		if off+int(sigLen) > len(b) {
			return nil, off, fmt.Errorf("hsb: qc agg sig truncated")
		}
		w.QCAggSig = append([]byte(nil), b[off:off+int(sigLen)]...)
		off += int(sigLen)

		pkLen, o3, err := readU32(b, off)
		if err != nil {
			return nil, off, err
		}
		off = o3
		if off+int(pkLen) > len(b) {
			return nil, off, fmt.Errorf("hsb: qc agg pk truncated")
		}
		w.QCAggPK = append([]byte(nil), b[off:off+int(pkLen)]...)
		off += int(pkLen)
	}

	extraLen, o4, err := readU32(b, off)
	if err != nil {
		return nil, off, err
	}
	off = o4
	if off+int(extraLen) > len(b) {
		return nil, off, fmt.Errorf("hsb: extra truncated")
	}
	w.Extra = append([]byte(nil), b[off:off+int(extraLen)]...)
	off += int(extraLen)

	if off+8 > len(b) {
		return nil, off, fmt.Errorf("hsb: height truncated")
	}
	w.Height = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8

	if off+20 > len(b) {
		return nil, off, fmt.Errorf("hsb: proposer truncated")
	}
	copy(w.Proposer[:], b[off:off+20])
	off += 20

	return &w, off, nil
}

// Propose is the per-replica proposal message (spec §4.4 on_propose
// step 7: "one Proposal per replica carrying that replica's Slice").
type Propose struct {
	Blk   *WireBlock
	Slice *Slice
}

func (p *Propose) Opcode() Opcode { return OpPropose }

func (p *Propose) marshal() []byte {
	out := p.Blk.marshalInto(nil)
	out = append(out, p.Slice.marshal()...)
	return out
}

func unmarshalPropose(b []byte) (*Propose, error) {
	w, off, err := unmarshalWireBlockAt(b, 0)
	if err != nil {
		return nil, err
	}
	s, err := unmarshalSlice(b[off:])
	if err != nil {
		return nil, err
	}
	return &Propose{Blk: w, Slice: s}, nil
}

// --- Vote ---

// Vote carries a partial certificate for hash(bnew), sent to the
// proposer (spec §4.4 on_receive_proposal step 5, §6 "Vote = voter |
// blk_hash | partial_cert").
type Vote struct {
	Voter     block.NodeID
	BlockHash block.Hash
	SigBytes  []byte
}

func (v *Vote) Opcode() Opcode { return OpVote }

func (v *Vote) marshal() []byte {
	out := make([]byte, 0, 20+32+4+len(v.SigBytes))
	out = append(out, v.Voter[:]...)
	out = append(out, v.BlockHash[:]...)
	out = appendU32(out, uint32(len(v.SigBytes)))
	out = append(out, v.SigBytes...)
	return out
}

func unmarshalVote(b []byte) (*Vote, error) {
	if len(b) < 20+32 {
		return nil, fmt.Errorf("hsb: vote frame too short")
	}
	var v Vote
	copy(v.Voter[:], b[0:20])
	copy(v.BlockHash[:], b[20:52])
	sigLen, off, err := readU32(b, 52)
	if err != nil {
		return nil, err
	}
	if off+int(sigLen) > len(b) {
		return nil, fmt.Errorf("hsb: vote sig truncated")
	}
	v.SigBytes = append([]byte(nil), b[off:off+int(sigLen)]...)
	return &v, nil
}

// ToPartialCert reconstructs a *block.PartialCert from the wire form.
func (v *Vote) ToPartialCert() (*block.PartialCert, error) {
	return block.PartialCertFromWire(v.Voter, v.BlockHash, v.SigBytes)
}

// --- ReqBlock / RespBlock ---

// ReqBlock fetches a block by hash (spec §4.5 async_deliver_blk step 2).
type ReqBlock struct {
	Hash block.Hash
}

func (r *ReqBlock) Opcode() Opcode { return OpReqBlock }
func (r *ReqBlock) marshal() []byte {
	return append([]byte(nil), r.Hash[:]...)
}
func unmarshalReqBlock(b []byte) (*ReqBlock, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("hsb: req_block frame must be 32 bytes")
	}
	var r ReqBlock
	copy(r.Hash[:], b)
	return &r, nil
}

// RespBlock answers a ReqBlock. Found is false if the peer does not
// have the requested block.
type RespBlock struct {
	Found bool
	Blk   *WireBlock
}

func (r *RespBlock) Opcode() Opcode { return OpRespBlock }

func (r *RespBlock) marshal() []byte {
	if !r.Found {
		return []byte{0}
	}
	out := []byte{1}
	return r.Blk.marshalInto(out)
}

func unmarshalRespBlock(b []byte) (*RespBlock, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("hsb: resp_block frame empty")
	}
	if b[0] == 0 {
		return &RespBlock{Found: false}, nil
	}
	w, _, err := unmarshalWireBlockAt(b, 1)
	if err != nil {
		return nil, err
	}
	return &RespBlock{Found: true, Blk: w}, nil
}

// --- shared helpers ---

func appendU32(out []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(out, buf[:]...)
}

func readU32(b []byte, off int) (uint32, int, error) {
	if off+4 > len(b) {
		return 0, off, fmt.Errorf("hsb: u32 truncated at offset %d", off)
	}
	return binary.LittleEndian.Uint32(b[off : off+4]), off + 4, nil
}
