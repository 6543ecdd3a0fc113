// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/hotstuff/block"
)

func TestThresholdGating(t *testing.T) {
	require := require.New(t)

	c := New(7, 5)
	h := block.Hash{1}

	_, err := c.GetBlock(h)
	require.Error(err)
	require.False(c.Enough(h))

	for i := 0; i < 4; i++ {
		require.NoError(c.InsertShard(h, i, []byte{byte(i)}))
	}
	require.False(c.Enough(h))

	require.NoError(c.InsertShard(h, 4, []byte{4}))
	require.True(c.Enough(h))

	shards, err := c.GetBlock(h)
	require.NoError(err)
	require.Len(shards, 7)
	for i := 0; i < 5; i++ {
		require.Equal([]byte{byte(i)}, shards[i])
	}
	require.Nil(shards[5])
	require.Nil(shards[6])
}

func TestDuplicateShardRejected(t *testing.T) {
	require := require.New(t)

	c := New(4, 3)
	h := block.Hash{2}
	require.NoError(c.InsertShard(h, 0, []byte("a")))
	require.Error(c.InsertShard(h, 0, []byte("b")))
}

func TestNewBlockRejectsExisting(t *testing.T) {
	require := require.New(t)

	c := New(4, 3)
	h := block.Hash{3}
	require.NoError(c.NewBlock(h))
	require.Error(c.NewBlock(h))
}

func TestRemove(t *testing.T) {
	require := require.New(t)

	c := New(4, 1)
	h := block.Hash{4}
	require.NoError(c.InsertShard(h, 0, []byte("a")))
	require.True(c.Enough(h))
	c.Remove(h)
	require.False(c.Enough(h))
	_, err := c.GetBlock(h)
	require.Error(err)
}
