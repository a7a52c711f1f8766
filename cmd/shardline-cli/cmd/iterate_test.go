package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildwithgrove/shardline/iterator"
	"github.com/buildwithgrove/shardline/protocol"
)

func Test_iterateFlags_filter(t *testing.T) {
	tests := []struct {
		name        string
		flags       iterateFlags
		expected    iterator.Filter
		expectedErr bool
	}{
		{
			name:     "should default to the workchain",
			flags:    iterateFlags{workchain: -1},
			expected: iterator.WorkchainFilter(-1),
		},
		{
			name:  "should parse accounts",
			flags: iterateFlags{accounts: []string{"0:8a00000000000000000000000000000000000000000000000000000000000001"}},
			expected: iterator.AccountFilter(
				protocol.MustParseAccount("0:8a00000000000000000000000000000000000000000000000000000000000001"),
			),
		},
		{
			name:        "should reject a malformed account",
			flags:       iterateFlags{accounts: []string{"0:zz"}},
			expectedErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)

			filter, err := test.flags.filter()
			if test.expectedErr {
				c.Error(err)
				return
			}
			c.NoError(err)
			c.Equal(test.expected, filter)
		})
	}
}

func Test_iterateFlags_startPosition(t *testing.T) {
	c := require.New(t)

	start, err := iterateFlags{}.startPosition(iterator.Forward)
	c.NoError(err)
	c.Equal(iterator.StartGenesis(), start)

	start, err = iterateFlags{}.startPosition(iterator.Backward)
	c.NoError(err)
	c.Equal(iterator.StartLatest(), start)

	_, err = iterateFlags{start: "tomorrow"}.startPosition(iterator.Forward)
	c.Error(err)

	// A missing checkpoint file starts a new iteration.
	missing := filepath.Join(t.TempDir(), "checkpoint")
	start, err = iterateFlags{checkpointFile: missing, start: "latest"}.startPosition(iterator.Forward)
	c.NoError(err)
	c.Equal(iterator.StartLatest(), start)

	// A corrupted one is an error, never a silent restart.
	c.NoError(os.WriteFile(missing, []byte("not a checkpoint\n"), 0o600))
	_, err = iterateFlags{checkpointFile: missing}.startPosition(iterator.Forward)
	c.ErrorIs(err, iterator.ErrInvalidCheckpoint)
}

func Test_parseDirection(t *testing.T) {
	c := require.New(t)

	direction, err := parseDirection("backward")
	c.NoError(err)
	c.Equal(iterator.Backward, direction)

	_, err = parseDirection("sideways")
	c.Error(err)
}
