package iterator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/buildwithgrove/shardline/protocol"
)

// BlockSource is where the iterators read the chain from.
// NetworkSource is the implementation backed by the data service.
type BlockSource interface {
	// Blocks returns the blocks with the given ids. Unknown ids are omitted.
	Blocks(ctx context.Context, ids []protocol.BlockID) ([]protocol.Block, error)

	// Children returns the blocks whose parent is the given block.
	// Both halves are returned after a split; until the second one is
	// produced, the split is reported as having no children yet.
	Children(ctx context.Context, id protocol.BlockID) ([]protocol.Block, error)

	// FirstBlocks returns the first block of the workchain.
	FirstBlocks(ctx context.Context, workchain int32) ([]protocol.Block, error)

	// LatestBlocks returns the latest block of every current shard of the workchain.
	LatestBlocks(ctx context.Context, workchain int32) ([]protocol.Block, error)

	// Transactions returns the transactions of the block, ordered by logical time.
	Transactions(ctx context.Context, blockID protocol.BlockID) ([]protocol.Transaction, error)
}

// Executor runs collection queries against the data service.
// It is implemented by gateway.EndpointManager.
type Executor interface {
	QueryCollection(ctx context.Context, request protocol.Request) (json.RawMessage, error)
}

// latestBlocksLimit bounds the blocks scanned to find the current shards of a workchain.
const latestBlocksLimit = 64

var _ BlockSource = &NetworkSource{}

// NetworkSource reads blocks and transactions through an Executor.
type NetworkSource struct {
	executor Executor
	decoder  protocol.RecordDecoder
}

// NewNetworkSource returns a source decoding records with decoder, or with
// protocol.JSONDecoder when decoder is nil.
func NewNetworkSource(executor Executor, decoder protocol.RecordDecoder) *NetworkSource {
	if decoder == nil {
		decoder = protocol.JSONDecoder{}
	}
	return &NetworkSource{executor: executor, decoder: decoder}
}

func (s *NetworkSource) Blocks(ctx context.Context, ids []protocol.BlockID) ([]protocol.Block, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryBlocks(ctx, protocol.Filter{"id": protocol.In(ids...)}, nil, 0)
}

func (s *NetworkSource) Children(ctx context.Context, id protocol.BlockID) ([]protocol.Block, error) {
	filter := protocol.Filter{
		"prev_ref": map[string]any{"root_hash": protocol.Eq(id)},
		"OR": protocol.Filter{
			"prev_alt_ref": map[string]any{"root_hash": protocol.Eq(id)},
		},
	}
	children, err := s.queryBlocks(ctx, filter, nil, 0)
	if err != nil {
		return nil, err
	}
	if !childrenComplete(children) {
		return nil, nil
	}
	return children, nil
}

func (s *NetworkSource) FirstBlocks(ctx context.Context, workchain int32) ([]protocol.Block, error) {
	filter := protocol.Filter{
		"workchain_id": protocol.Eq(workchain),
		"seq_no":       protocol.Eq(1),
	}
	return s.queryBlocks(ctx, filter, nil, 0)
}

func (s *NetworkSource) LatestBlocks(ctx context.Context, workchain int32) ([]protocol.Block, error) {
	orderBy := []protocol.OrderBy{
		{Path: "gen_utime", Direction: protocol.SortDesc},
		{Path: "seq_no", Direction: protocol.SortDesc},
	}
	recent, err := s.queryBlocks(ctx, protocol.Filter{"workchain_id": protocol.Eq(workchain)}, orderBy, latestBlocksLimit)
	if err != nil {
		return nil, err
	}
	return currentShards(recent), nil
}

func (s *NetworkSource) Transactions(ctx context.Context, blockID protocol.BlockID) ([]protocol.Transaction, error) {
	raw, err := s.executor.QueryCollection(ctx, protocol.Request{
		Kind:       protocol.OperationQuery,
		Collection: protocol.CollectionTransactions,
		Filter:     protocol.Filter{"block_id": protocol.Eq(blockID)},
		OrderBy:    []protocol.OrderBy{{Path: "lt", Direction: protocol.SortAsc}},
		Result:     protocol.TransactionResultFields,
	})
	if err != nil {
		return nil, err
	}

	txs, err := s.decoder.DecodeTransactions(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrServerError, err)
	}
	slices.SortStableFunc(txs, func(a, b protocol.Transaction) int {
		switch {
		case a.LT < b.LT:
			return -1
		case a.LT > b.LT:
			return 1
		default:
			return 0
		}
	})
	return txs, nil
}

// Messages returns the messages with the given ids. Unknown ids are omitted.
func (s *NetworkSource) Messages(ctx context.Context, ids []protocol.MessageID) ([]protocol.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := s.executor.QueryCollection(ctx, protocol.Request{
		Kind:       protocol.OperationQuery,
		Collection: protocol.CollectionMessages,
		Filter:     protocol.Filter{"id": protocol.In(ids...)},
		Result:     protocol.MessageResultFields,
	})
	if err != nil {
		return nil, err
	}

	msgs, err := s.decoder.DecodeMessages(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrServerError, err)
	}
	return msgs, nil
}

// Transaction returns the transaction with the given id.
func (s *NetworkSource) Transaction(ctx context.Context, id protocol.TransactionID) (protocol.Transaction, bool, error) {
	raw, err := s.executor.QueryCollection(ctx, protocol.Request{
		Kind:       protocol.OperationQuery,
		Collection: protocol.CollectionTransactions,
		Filter:     protocol.Filter{"id": protocol.Eq(id)},
		Result:     protocol.TransactionResultFields,
	})
	if err != nil {
		return protocol.Transaction{}, false, err
	}

	txs, err := s.decoder.DecodeTransactions(raw)
	if err != nil {
		return protocol.Transaction{}, false, fmt.Errorf("%w: %w", protocol.ErrServerError, err)
	}
	if len(txs) == 0 {
		return protocol.Transaction{}, false, nil
	}
	return txs[0], true, nil
}

func (s *NetworkSource) queryBlocks(
	ctx context.Context,
	filter protocol.Filter,
	orderBy []protocol.OrderBy,
	limit int,
) ([]protocol.Block, error) {
	raw, err := s.executor.QueryCollection(ctx, protocol.Request{
		Kind:       protocol.OperationQuery,
		Collection: protocol.CollectionBlocks,
		Filter:     filter,
		OrderBy:    orderBy,
		Limit:      limit,
		Result:     protocol.BlockResultFields,
	})
	if err != nil {
		return nil, err
	}

	blocks, err := s.decoder.DecodeBlocks(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrServerError, err)
	}
	return blocks, nil
}

// childrenComplete reports whether every child of a block is known:
// a split produces two blocks, possibly at different times.
func childrenComplete(children []protocol.Block) bool {
	switch len(children) {
	case 0:
		return false
	case 1:
		return !children[0].AfterSplit
	default:
		return true
	}
}

// currentShards keeps, out of recent blocks sorted newest first, the latest
// block of every shard which is not superseded by a split or a merge.
func currentShards(recent []protocol.Block) []protocol.Block {
	var current []protocol.Block
	for _, block := range recent {
		superseded := slices.ContainsFunc(current, func(b protocol.Block) bool {
			return b.Shard.Intersects(block.Shard)
		})
		if !superseded {
			current = append(current, block)
		}
	}
	slices.SortFunc(current, func(a, b protocol.Block) int { return compareShards(a.Shard, b.Shard) })
	return current
}
