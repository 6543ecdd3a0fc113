// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/hotstuff/block"
)

func TestAddFindRelease(t *testing.T) {
	require := require.New(t)

	s := New()
	b := block.New(nil, block.Hash{}, nil, nil, 1, block.NodeID{})
	s.Add(b)

	got, ok := s.Find(b.Hash())
	require.True(ok)
	require.Same(b, got)

	require.True(s.Release(b.Hash()))
	require.False(s.Release(b.Hash()))

	_, ok = s.Find(b.Hash())
	require.False(ok)
}

func TestRetainExtendsLifetime(t *testing.T) {
	require := require.New(t)

	s := New()
	b := block.New(nil, block.Hash{}, nil, nil, 1, block.NodeID{})
	s.Add(b)
	s.Retain(b.Hash())

	require.False(s.Release(b.Hash()))
	_, ok := s.Find(b.Hash())
	require.True(ok)

	require.True(s.Release(b.Hash()))
	_, ok = s.Find(b.Hash())
	require.False(ok)
}
