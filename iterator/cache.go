package iterator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/viccon/sturdyc"

	"github.com/buildwithgrove/shardline/protocol"
)

// ---------------- Cache Configuration ----------------
const (
	// Number of shards the cache is divided into.
	numShards = 10

	// Percentage of records evicted when a shard is full.
	evictionPercentage = 10

	// Blocks and transactions are immutable once produced: records never expire.
	noTTL = time.Duration(math.MaxInt64)

	// DefaultCacheCapacity is the number of records kept by each cache.
	DefaultCacheCapacity = 10_000
)

var _ BlockSource = &CachingSource{}

// CachingSource caches the immutable records read from an underlying source:
//   - blocks by id
//   - complete children lists
//   - the transactions of a block
//
// First and latest blocks are always read from the underlying source.
type CachingSource struct {
	source BlockSource

	blockCache       *sturdyc.Client[protocol.Block]
	childrenCache    *sturdyc.Client[[]protocol.Block]
	transactionCache *sturdyc.Client[[]protocol.Transaction]
}

// NewCachingSource wraps source. A non-positive capacity uses DefaultCacheCapacity.
func NewCachingSource(source BlockSource, capacity int) *CachingSource {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &CachingSource{
		source:           source,
		blockCache:       newCache[protocol.Block](capacity),
		childrenCache:    newCache[[]protocol.Block](capacity),
		transactionCache: newCache[[]protocol.Transaction](capacity),
	}
}

func newCache[T any](capacity int) *sturdyc.Client[T] {
	return sturdyc.New[T](
		capacity,
		numShards,
		noTTL,
		evictionPercentage,
	)
}

func (s *CachingSource) Blocks(ctx context.Context, ids []protocol.BlockID) ([]protocol.Block, error) {
	var missing []protocol.BlockID
	found := make(map[protocol.BlockID]protocol.Block, len(ids))
	for _, id := range ids {
		if block, ok := s.blockCache.Get(string(id)); ok {
			found[id] = block
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		fetched, err := s.source.Blocks(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, block := range fetched {
			s.blockCache.Set(string(block.ID), block)
			found[block.ID] = block
		}
	}

	blocks := make([]protocol.Block, 0, len(ids))
	for _, id := range ids {
		if block, ok := found[id]; ok {
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

// Children caches only complete children lists: until a block has children,
// or while one half of a split is missing, every call reaches the source.
func (s *CachingSource) Children(ctx context.Context, id protocol.BlockID) ([]protocol.Block, error) {
	if children, ok := s.childrenCache.Get(string(id)); ok {
		return children, nil
	}

	children, err := s.source.Children(ctx, id)
	if err != nil {
		return nil, err
	}
	if childrenComplete(children) {
		s.childrenCache.Set(string(id), children)
		for _, child := range children {
			s.blockCache.Set(string(child.ID), child)
		}
	}
	return children, nil
}

func (s *CachingSource) FirstBlocks(ctx context.Context, workchain int32) ([]protocol.Block, error) {
	return s.source.FirstBlocks(ctx, workchain)
}

func (s *CachingSource) LatestBlocks(ctx context.Context, workchain int32) ([]protocol.Block, error) {
	return s.source.LatestBlocks(ctx, workchain)
}

func (s *CachingSource) Transactions(ctx context.Context, blockID protocol.BlockID) ([]protocol.Transaction, error) {
	txs, err := s.transactionCache.GetOrFetch(ctx, string(blockID), func(fetchCtx context.Context) ([]protocol.Transaction, error) {
		return s.source.Transactions(fetchCtx, blockID)
	})
	if err != nil {
		return nil, fmt.Errorf("transactions of block %s: %w", blockID, err)
	}
	return txs, nil
}
