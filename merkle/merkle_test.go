// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func shardsOf(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i), byte(i + 1), byte(i + 2)}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 9} {
		shards := shardsOf(n)
		tree := Build(shards)
		root := tree.Root()
		for i, s := range shards {
			branch := tree.Proof(i)
			require.True(Validate(s, i, branch, root), "shard %d in tree of size %d", i, n)
		}
	}
}

func TestValidateRejectsTamperedData(t *testing.T) {
	require := require.New(t)

	shards := shardsOf(5)
	tree := Build(shards)
	root := tree.Root()

	tampered := append([]byte{}, shards[2]...)
	tampered[0] ^= 0xFF
	require.False(Validate(tampered, 2, tree.Proof(2), root))
}

func TestValidateRejectsWrongBranch(t *testing.T) {
	require := require.New(t)

	shards := shardsOf(6)
	tree := Build(shards)
	root := tree.Root()

	require.False(Validate(shards[0], 0, tree.Proof(1), root))
}

// Odd shard counts pad with EmptyHash at every odd level (spec §8
// property 8); check the root matches an explicit padded build.
func TestOddLevelPadding(t *testing.T) {
	require := require.New(t)

	shards := shardsOf(5) // 5 -> pad to 6, 3 -> pad to 4, 2, 1
	tree := Build(shards)

	leaves := make([]string, 5)
	for i, s := range shards {
		leaves[i] = leafHex(s)
	}
	level0 := append(append([]string{}, leaves...), EmptyHash)
	level1 := []string{
		sha256Hex(level0[0] + level0[1]),
		sha256Hex(level0[2] + level0[3]),
		sha256Hex(level0[4] + level0[5]),
	}
	level1 = append(level1, EmptyHash)
	level2 := []string{
		sha256Hex(level1[0] + level1[1]),
		sha256Hex(level1[2] + level1[3]),
	}
	want := sha256Hex(level2[0] + level2[1])

	require.Equal(want, tree.Root())
}
