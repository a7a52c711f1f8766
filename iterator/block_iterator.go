package iterator

import (
	"context"
	"time"

	"github.com/buildwithgrove/shardline/protocol"
)

// BlockIterator emits the blocks of the filtered shards.
// Only one Next call may run at a time.
type BlockIterator struct {
	core *core
}

// OpenBlocks opens a block iterator. Nothing is read from the source until the first Next.
func OpenBlocks(
	source BlockSource,
	start Start,
	filter Filter,
	direction Direction,
	opts ...Option,
) (*BlockIterator, error) {
	c, err := newCore(kindBlocks, source, start, filter, direction, opts)
	if err != nil {
		return nil, err
	}
	return &BlockIterator{core: c}, nil
}

// Next returns up to batchSize blocks. Fewer, possibly none, are returned
// when a forward iteration reached the chain tip or a backward one is exhausted.
// On error the iterator position is unchanged.
func (it *BlockIterator) Next(ctx context.Context, batchSize int) ([]protocol.Block, error) {
	if err := validateBatchSize(batchSize); err != nil {
		return nil, err
	}
	if err := it.core.enter(); err != nil {
		return nil, err
	}
	defer it.core.leave()

	started := time.Now()
	pos, _ := it.core.snapshot()

	var stats walkStats
	blocks, err := it.core.walker.walk(ctx, &pos, batchSize, &stats)
	if err == nil {
		it.core.commit(pos, nil)
	}
	it.core.observe(started, len(blocks), stats, err)
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// Checkpoint returns the position after the last block returned by Next.
func (it *BlockIterator) Checkpoint() (Checkpoint, error) {
	return it.core.checkpoint()
}

// Frontier returns the branches of the iteration, in shard order.
func (it *BlockIterator) Frontier() []ShardBranch {
	return it.core.frontier()
}

// Exhausted reports whether a backward iteration reached the first blocks of every branch.
func (it *BlockIterator) Exhausted() bool {
	return it.core.exhausted()
}

// Close releases the iterator. Later Next calls fail.
func (it *BlockIterator) Close() error {
	it.core.closed.Store(true)
	return nil
}
