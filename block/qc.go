// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package block

import (
	"errors"

	"github.com/luxfi/crypto/bls"
)

// ErrAlreadyFinalized is returned by QC.AddPartial once Compute has
// finalized the QC.
var ErrAlreadyFinalized = errors.New("hotstuff: quorum certificate already finalized")

// PartialCert is one replica's signature share over a block hash
// (spec §3 "QC (Quorum Certificate)"). Combinable via BLS signature
// aggregation, the same scheme ctx.go's IDs.PublicKey field implies
// the rest of the ecosystem uses for combinable certificates.
type PartialCert struct {
	Voter     NodeID
	BlockHash Hash
	Sig       *bls.Signature
}

// Sign produces a PartialCert over hash using sk.
func Sign(sk *bls.SecretKey, voter NodeID, hash Hash) *PartialCert {
	return &PartialCert{
		Voter:     voter,
		BlockHash: hash,
		Sig:       bls.Sign(sk, hash[:]),
	}
}

// Verify checks the partial certificate against the voter's public key.
func (p *PartialCert) Verify(pk *bls.PublicKey) bool {
	return bls.Verify(pk, p.Sig, p.BlockHash[:])
}

// SigBytes returns the wire encoding of the partial signature (spec §6
// "Vote ... partial_cert").
func (p *PartialCert) SigBytes() []byte { return bls.SignatureToBytes(p.Sig) }

// PartialCertFromWire reconstructs a PartialCert from its wire fields.
func PartialCertFromWire(voter NodeID, blockHash Hash, sigBytes []byte) (*PartialCert, error) {
	sig, err := bls.SignatureFromBytes(sigBytes)
	if err != nil {
		return nil, err
	}
	return &PartialCert{Voter: voter, BlockHash: blockHash, Sig: sig}, nil
}

// QC aggregates >= nmajority partial certificates over a single block
// hash. It is mutable while being accumulated (self_qc in spec §4.4)
// and immutable (Clone-able, Verify-able) once Compute has run.
type QC struct {
	BlockHash Hash

	sigs    []*bls.Signature
	pks     []*bls.PublicKey
	weight  int
	agg     *bls.Signature
	aggPK   *bls.PublicKey
	done    bool
}

// NewQC creates an empty QC being accumulated for hash.
func NewQC(hash Hash) *QC {
	return &QC{BlockHash: hash}
}

// AddPartial folds in one more partial certificate. Returns an error
// if the QC is already finalized; callers dedup by voter via
// Block.Voted before calling AddPartial (spec §4.4 on_receive_vote).
func (q *QC) AddPartial(cert *PartialCert, pk *bls.PublicKey) error {
	if q.done {
		return ErrAlreadyFinalized
	}
	q.sigs = append(q.sigs, cert.Sig)
	q.pks = append(q.pks, pk)
	q.weight++
	return nil
}

// Weight returns the number of partial certificates folded in so far.
func (q *QC) Weight() int {
	return q.weight
}

// compute finalizes aggregation: combines the partial signatures into
// a single aggregate signature and the contributing public keys into
// an aggregate public key, per §3 QC.compute. Safe to call with a nil
// signer set only for the genesis QC (weight 0, trivially valid).
func (q *QC) compute(_ any) {
	if q.done {
		return
	}
	if len(q.sigs) > 0 {
		if agg, err := bls.AggregateSignatures(q.sigs); err == nil {
			q.agg = agg
		}
	}
	if len(q.pks) > 0 {
		if aggPK, err := bls.AggregatePublicKeys(q.pks); err == nil {
			q.aggPK = aggPK
		}
	}
	q.done = true
}

// Compute is the exported form of compute, called once nmajority
// partials have been folded in (spec §4.4 on_receive_vote).
func (q *QC) Compute() {
	q.compute(nil)
}

// Verify checks the aggregated signature against the aggregated
// public key over BlockHash. The genesis QC (weight 0) always
// verifies: it certifies nothing but itself.
func (q *QC) Verify() bool {
	if q.weight == 0 {
		return true
	}
	if !q.done || q.agg == nil || q.aggPK == nil {
		return false
	}
	return bls.Verify(q.aggPK, q.agg, q.BlockHash[:])
}

// AggBytes returns the wire encoding of the finalized aggregate
// signature and aggregate public key, or (nil, nil) for the genesis
// QC (weight 0, nothing aggregated). Used by hsb's Block codec (spec
// §6 "Vote, Propose, Block serialization").
func (q *QC) AggBytes() (sig, pk []byte) {
	if q.agg == nil || q.aggPK == nil {
		return nil, nil
	}
	return bls.SignatureToBytes(q.agg), bls.PublicKeyToCompressedBytes(q.aggPK)
}

// QCFromWire reconstructs a finalized QC from its wire fields. weight
// 0 is the genesis QC and carries no aggregate bytes.
func QCFromWire(blockHash Hash, weight int, aggSig, aggPK []byte) (*QC, error) {
	q := &QC{BlockHash: blockHash, weight: weight, done: true}
	if weight == 0 {
		return q, nil
	}
	sig, err := bls.SignatureFromBytes(aggSig)
	if err != nil {
		return nil, err
	}
	pk, err := bls.PublicKeyFromCompressedBytes(aggPK)
	if err != nil {
		return nil, err
	}
	q.agg, q.aggPK = sig, pk
	return q, nil
}

// Clone returns a deep-enough copy for a new owner (spec §3 "supports
// clone"); the aggregate signature/public key are immutable once
// computed so they are shared, not copied.
func (q *QC) Clone() *QC {
	clone := &QC{
		BlockHash: q.BlockHash,
		weight:    q.weight,
		agg:       q.agg,
		aggPK:     q.aggPK,
		done:      q.done,
	}
	clone.sigs = append(clone.sigs, q.sigs...)
	clone.pks = append(clone.pks, q.pks...)
	return clone
}
