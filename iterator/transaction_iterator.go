package iterator

import (
	"context"
	"slices"
	"time"

	"github.com/buildwithgrove/shardline/protocol"
)

// maxScannedBlocks bounds the blocks a single TransactionIterator.Next walks
// through looking for matching transactions. Next returns what it found so far
// once the bound is reached.
const maxScannedBlocks = 256

// drain is the block whose transactions are being emitted.
type drain struct {
	block protocol.BlockRef

	// lastLT is the logical time of the last emitted transaction, when started.
	lastLT  uint64
	started bool
}

// TransactionIterator emits the transactions of the filtered shards and
// accounts, block after block, in logical time order within a block
// (reversed for a backward iteration).
type TransactionIterator struct {
	core *core
}

// OpenTransactions opens a transaction iterator. Nothing is read from the source until the first Next.
func OpenTransactions(
	source BlockSource,
	start Start,
	filter Filter,
	direction Direction,
	opts ...Option,
) (*TransactionIterator, error) {
	c, err := newCore(kindTransactions, source, start, filter, direction, opts)
	if err != nil {
		return nil, err
	}
	return &TransactionIterator{core: c}, nil
}

// Next returns up to batchSize transactions. A checkpoint taken after Next
// may point into the middle of a block.
func (it *TransactionIterator) Next(ctx context.Context, batchSize int) ([]protocol.Transaction, error) {
	if err := validateBatchSize(batchSize); err != nil {
		return nil, err
	}
	if err := it.core.enter(); err != nil {
		return nil, err
	}
	defer it.core.leave()

	started := time.Now()
	pos, current := it.core.snapshot()

	var (
		stats   walkStats
		out     []protocol.Transaction
		scanned int
		checked = make(map[protocol.Shard]bool)
		err     error
	)
	for len(out) < batchSize {
		if current == nil {
			if scanned == maxScannedBlocks {
				break
			}

			var blocks []protocol.Block
			blocks, err = it.core.walker.walkChecked(ctx, &pos, 1, checked, &stats)
			if err != nil || len(blocks) == 0 {
				break
			}
			scanned++

			if !it.core.filter.blockMayMatch(blocks[0]) {
				continue
			}
			current = &drain{block: blocks[0].BlockRef}
		}

		var txs []protocol.Transaction
		txs, err = it.core.walker.source.Transactions(ctx, current.block.ID)
		if err != nil {
			break
		}

		remaining := it.pending(txs, current)
		take := min(batchSize-len(out), len(remaining))
		for _, tx := range remaining[:take] {
			out = append(out, tx)
			current.lastLT = tx.LT
			current.started = true
		}
		if take == len(remaining) {
			current = nil
		}
	}

	if err == nil {
		it.core.commit(pos, current)
	}
	it.core.observe(started, len(out), stats, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// pending returns the transactions of the drained block still to emit, in emission order.
func (it *TransactionIterator) pending(txs []protocol.Transaction, d *drain) []protocol.Transaction {
	forward := it.core.walker.direction == Forward

	var selected []protocol.Transaction
	for _, tx := range txs {
		if !it.core.filter.matchesAccount(tx.Account) {
			continue
		}
		if d.started && ((forward && tx.LT <= d.lastLT) || (!forward && tx.LT >= d.lastLT)) {
			continue
		}
		selected = append(selected, tx)
	}

	slices.SortStableFunc(selected, func(a, b protocol.Transaction) int {
		switch {
		case a.LT == b.LT:
			return 0
		case (a.LT < b.LT) == forward:
			return -1
		default:
			return 1
		}
	})
	return selected
}

// Checkpoint returns the position after the last transaction returned by Next.
func (it *TransactionIterator) Checkpoint() (Checkpoint, error) {
	return it.core.checkpoint()
}

// Frontier returns the branches of the iteration, in shard order.
func (it *TransactionIterator) Frontier() []ShardBranch {
	return it.core.frontier()
}

// Exhausted reports whether a backward iteration emitted the transactions of every first block.
func (it *TransactionIterator) Exhausted() bool {
	return it.core.exhausted()
}

// Close releases the iterator. Later Next calls fail.
func (it *TransactionIterator) Close() error {
	it.core.closed.Store(true)
	return nil
}
