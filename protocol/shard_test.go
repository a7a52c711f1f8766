package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardRelations(t *testing.T) {
	root := RootShard(0)
	left, right := root.Children()

	tests := []struct {
		name          string
		shard         Shard
		expectedDepth int
		expectedHex   string
		expectedPar   Shard
	}{
		{
			name:          "root shard",
			shard:         root,
			expectedDepth: 0,
			expectedHex:   "8000000000000000",
			expectedPar:   root,
		},
		{
			name:          "lower half of root",
			shard:         left,
			expectedDepth: 1,
			expectedHex:   "4000000000000000",
			expectedPar:   root,
		},
		{
			name:          "upper half of root",
			shard:         right,
			expectedDepth: 1,
			expectedHex:   "c000000000000000",
			expectedPar:   root,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := require.New(t)
			c.Equal(tc.expectedDepth, tc.shard.Depth())
			c.Equal(tc.expectedHex, tc.shard.PrefixHex())
			c.Equal(tc.expectedPar, tc.shard.Parent())
		})
	}
}

func TestShardContainment(t *testing.T) {
	c := require.New(t)

	root := RootShard(0)
	left, right := root.Children()
	leftLeft, leftRight := left.Children()

	c.True(root.Contains(left))
	c.True(root.Contains(leftRight))
	c.True(left.Contains(leftLeft))
	c.False(left.Contains(right))
	c.False(leftLeft.Contains(left))
	c.False(RootShard(-1).Contains(left))

	c.True(leftRight.Intersects(root))
	c.False(leftRight.Intersects(leftLeft))

	c.Equal(right, left.Sibling())
	c.Equal(leftLeft, leftRight.Sibling())
	c.Equal(left, leftRight.Parent())

	c.True(left.Less(right))
	c.True(RootShard(-1).Less(left))
}

func TestLeafShardOf(t *testing.T) {
	c := require.New(t)

	account := MustParseAccount("0:abcd000000000000000000000000000000000000000000000000000000000001")
	leaf := LeafShardOf(account)

	c.Equal(MaxShardDepth, leaf.Depth())
	c.True(leaf.ContainsAccount(account))
	c.True(RootShard(0).ContainsAccount(account))

	left, right := RootShard(0).Children()
	c.False(left.ContainsAccount(account))
	c.True(right.ContainsAccount(account))
	c.True(right.Contains(leaf))
}

func TestParseShard(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expected    Shard
		expectError bool
	}{
		{
			name:     "root of basechain",
			raw:      "0:8000000000000000",
			expected: RootShard(0),
		},
		{
			name:     "masterchain",
			raw:      "-1:8000000000000000",
			expected: RootShard(MasterchainID),
		},
		{
			name:     "split shard",
			raw:      "0:c000000000000000",
			expected: Shard{Workchain: 0, Prefix: 0xc000000000000000},
		},
		{
			name:        "missing workchain",
			raw:         "8000000000000000",
			expectError: true,
		},
		{
			name:        "empty prefix",
			raw:         "0:0000000000000000",
			expectError: true,
		},
		{
			name:        "deeper than max depth",
			raw:         "0:0000000000000001",
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			shard, err := ParseShard(tc.raw)
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, shard)
		})
	}
}
