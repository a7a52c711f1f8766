package iterator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func addField(t *testing.T, cp Checkpoint, key string, value any) Checkpoint {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(cp.String())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc[key] = value

	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	return Checkpoint(base64.StdEncoding.EncodeToString(raw))
}

func Test_Checkpoint_PreservesUnknownFields(t *testing.T) {
	c := require.New(t)
	ch := splitMergeChain()

	it, err := OpenBlocks(ch, StartGenesis(), WorkchainFilter(testWorkchain), Forward)
	c.NoError(err)
	_, err = it.Next(context.Background(), 4)
	c.NoError(err)
	cp, err := it.Checkpoint()
	c.NoError(err)

	extended := addField(t, cp, "consumer_offset", map[string]any{"partition": 3})

	resumed, err := OpenBlocks(ch, StartFromCheckpoint(extended), Filter{}, Forward)
	c.NoError(err)
	_, err = resumed.Next(context.Background(), 2)
	c.NoError(err)

	next, err := resumed.Checkpoint()
	c.NoError(err)
	state, err := decodeCheckpoint(next)
	c.NoError(err)
	c.JSONEq(`{"partition":3}`, string(state.extra["consumer_offset"]))
}

func Test_Checkpoint_Decode(t *testing.T) {
	encode := func(doc string) Checkpoint {
		return Checkpoint(base64.StdEncoding.EncodeToString([]byte(doc)))
	}

	tests := []struct {
		name    string
		cp      Checkpoint
		wantErr bool
	}{
		{
			name: "pending start",
			cp:   encode(`{"version":1,"kind":"blocks","direction":"forward","filter":{"shards":["0:8000000000000000"]},"start":{"kind":"genesis"}}`),
		},
		{
			name: "frontier with a drained block",
			cp: encode(`{"version":1,"kind":"transactions","direction":"backward","filter":{"shards":["0:8000000000000000"]},
				"frontier":[{"shard":"0:4000000000000000","head":{"id":"b1","shard":"0:8000000000000000","seq_no":2,"gen_utime":20}}],
				"drain":{"block":{"id":"b2","shard":"0:4000000000000000","seq_no":3,"gen_utime":30},"last_lt":"2000"}}`),
		},
		{
			name:    "not base64",
			cp:      "%%%",
			wantErr: true,
		},
		{
			name:    "newer version",
			cp:      encode(`{"version":2,"kind":"blocks","direction":"forward","start":{"kind":"genesis"}}`),
			wantErr: true,
		},
		{
			name:    "unknown direction",
			cp:      encode(`{"version":1,"kind":"blocks","direction":"sideways","start":{"kind":"genesis"}}`),
			wantErr: true,
		},
		{
			name:    "branch without position",
			cp:      encode(`{"version":1,"kind":"blocks","direction":"forward","frontier":[{"shard":"0:8000000000000000"}]}`),
			wantErr: true,
		},
		{
			name:    "duplicate branch",
			cp:      encode(`{"version":1,"kind":"blocks","direction":"forward","frontier":[{"shard":"0:8000000000000000","exhausted":true},{"shard":"0:8000000000000000","exhausted":true}]}`),
			wantErr: true,
		},
		{
			name:    "no position at all",
			cp:      encode(`{"version":1,"kind":"blocks","direction":"forward"}`),
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseCheckpoint(test.cp.String())
			if test.wantErr {
				require.ErrorIs(t, err, ErrInvalidCheckpoint)
				return
			}
			require.NoError(t, err)
		})
	}
}

func Test_Checkpoint_RoundTripsPendingBranches(t *testing.T) {
	c := require.New(t)
	ch := splitMergeChain()

	// Backward from the latest blocks: branches start with a pending block and no head.
	it, err := OpenBlocks(ch, StartLatest(), WorkchainFilter(testWorkchain), Backward)
	c.NoError(err)

	state := checkpointState{
		kind:      kindBlocks,
		direction: Backward,
		filter:    it.core.filter,
	}
	latest, err := ch.LatestBlocks(context.Background(), testWorkchain)
	c.NoError(err)
	state.position = position{
		started:  true,
		branches: frontier{latest[0].Shard: {Shard: latest[0].Shard, Next: &latest[0]}},
	}

	cp, err := encodeCheckpoint(state)
	c.NoError(err)

	resumed, err := OpenBlocks(ch, StartFromCheckpoint(cp), Filter{}, Backward)
	c.NoError(err)
	blocks := drainBlocks(t, resumed, 100)
	c.Equal([]string{"R7", "M6", "L5", "U4", "L4", "U3", "L3", "R2", "G1"}, blockNames(blocks))
	c.Equal(latest[0].InMessages, blocks[0].InMessages)
}
