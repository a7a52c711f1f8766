package client

import (
	"context"
	"testing"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog/polyzero"
	"github.com/stretchr/testify/require"

	"github.com/buildwithgrove/shardline/config"
	"github.com/buildwithgrove/shardline/gateway"
	"github.com/buildwithgrove/shardline/iterator"
	"github.com/buildwithgrove/shardline/processing"
	"github.com/buildwithgrove/shardline/protocol"
	"github.com/buildwithgrove/shardline/testutil/chain"
)

var account = protocol.MustParseAccount("0:8a00000000000000000000000000000000000000000000000000000000000001")

func newTestClient(t *testing.T, ledger *chain.Chain) *Client {
	t.Helper()

	cfg := config.ClientConfig{
		Network: gateway.Config{
			Endpoints:    []string{"https://ledger.provider-one.org"},
			MaxRetries:   1,
			RetryBackoff: time.Millisecond,
		},
		Iterator: config.IteratorConfig{DefaultBatchSize: 2, BlockCacheSize: 16},
		Processing: processing.Config{
			SendBackoff:       time.Millisecond,
			WaitTimeout:       2 * time.Second,
			BlockPollInterval: 5 * time.Millisecond,
		},
	}
	cfg.Network.HydrateDefaults()
	cfg.Processing.HydrateDefaults()

	client, err := New(polyzero.NewLogger(), cfg, WithTransport(ledger))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func genUtimes(blocks []protocol.Block) []uint32 {
	times := make([]uint32, 0, len(blocks))
	for _, block := range blocks {
		times = append(times, block.GenUtime)
	}
	return times
}

func Test_Client_IteratesThroughCache(t *testing.T) {
	c := require.New(t)

	ledger := chain.New(0, 5)
	ledger.AddBlock(protocol.RootShard(0), 10)
	ledger.AddBlock(protocol.RootShard(0), 20)
	client := newTestClient(t, ledger)

	forward, err := client.OpenBlocks(iterator.StartGenesis(), iterator.WorkchainFilter(0), iterator.Forward)
	c.NoError(err)
	defer forward.Close()

	blocks, err := forward.Next(context.Background(), client.BatchSize(0))
	c.NoError(err)
	c.Equal([]uint32{5, 10}, genUtimes(blocks))

	blocks, err = forward.Next(context.Background(), client.BatchSize(0))
	c.NoError(err)
	c.Equal([]uint32{20}, genUtimes(blocks))

	backward, err := client.OpenBlocks(iterator.StartLatest(), iterator.WorkchainFilter(0), iterator.Backward)
	c.NoError(err)
	defer backward.Close()

	blocks, err = backward.Next(context.Background(), client.BatchSize(10))
	c.NoError(err)
	c.Equal([]uint32{20, 10, 5}, genUtimes(blocks))
	c.True(backward.Exhausted())
}

func Test_Client_SubmitsThroughPipeline(t *testing.T) {
	c := require.New(t)

	ledger := chain.New(0, 5)
	ledger.OnSubmit(func(sub chain.Submission) error {
		ledger.AddBlock(protocol.RootShard(0), 30, chain.WithTransaction(account, sub.ID))
		return nil
	})
	client := newTestClient(t, ledger)

	outcome, err := client.Pipeline.SubmitAndConfirm(context.Background(), processing.EncodedMessage{
		ID:          "0xABCD",
		Destination: account,
		Body:        "te6ccgEBAQEAAgAAAA==",
		Expiration:  100,
	})
	c.NoError(err)
	c.Equal(processing.OutcomeConfirmed, outcome.Kind)
	c.Equal(uint32(30), outcome.LastBlock.GenUtime)
	c.Equal(uint32(30), client.Network.NetworkTime())
}

func Test_New_InvalidNetworkConfig(t *testing.T) {
	_, err := New(polyzero.NewLogger(), config.ClientConfig{}, WithTransport(chain.New(0, 5)))
	require.ErrorIs(t, err, gateway.ErrInvalidNetworkConfig)
}
