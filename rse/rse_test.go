// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rse

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParamsFromN(t *testing.T) {
	require := require.New(t)

	p := ParamsFromN(4)
	require.Equal(1, p.M)
	require.Equal(3, p.K)

	p = ParamsFromN(7)
	require.Equal(2, p.M)
	require.Equal(5, p.K)
}

func TestRoundTripNoLoss(t *testing.T) {
	require := require.New(t)

	payload := []byte("replicate me across the cluster")
	p := ParamsFromN(7)

	shards, err := Encode(payload, p)
	require.NoError(err)
	require.Len(shards, p.K+p.M)

	decoded, err := Decode(shards, p)
	require.NoError(err)
	require.Equal(payload, decoded)
}

func TestRoundTripWithLossUpToF(t *testing.T) {
	require := require.New(t)

	p := ParamsFromN(7) // k=5, m=2
	for trial := 0; trial < 10; trial++ {
		payload := make([]byte, 1+trial*37)
		_, err := rand.Read(payload)
		require.NoError(err)

		shards, err := Encode(payload, p)
		require.NoError(err)

		present := make([][]byte, len(shards))
		copy(present, shards)
		// Drop exactly m = f shards.
		present[5] = nil
		present[6] = nil

		decoded, err := Decode(present, p)
		require.NoError(err)
		require.True(bytes.Equal(payload, decoded))
	}
}

func TestDecodeNeedsMoreDataBelowThreshold(t *testing.T) {
	require := require.New(t)

	p := ParamsFromN(7) // k=5, m=2
	payload := []byte("hello world")
	shards, err := Encode(payload, p)
	require.NoError(err)

	present := make([][]byte, len(shards))
	copy(present, shards)
	present[3] = nil
	present[4] = nil
	present[5] = nil // only 4 of 5+2 present, below k=5

	_, err = Decode(present, p)
	require.Error(err)
	require.True(ErrIs(err, NeedMoreData))
}

func TestShardsAreEqualSizeMultipleOf64(t *testing.T) {
	require := require.New(t)

	p := ParamsFromN(10)
	shards, err := Encode([]byte("x"), p)
	require.NoError(err)

	size := len(shards[0])
	require.Equal(0, size%64)
	for _, s := range shards {
		require.Len(s, size)
	}
}
