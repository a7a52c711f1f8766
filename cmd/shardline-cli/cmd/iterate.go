package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/buildwithgrove/shardline/client"
	"github.com/buildwithgrove/shardline/iterator"
	"github.com/buildwithgrove/shardline/protocol"
)

const followPollInterval = time.Second

// iterateFlags are shared by the blocks and transactions subcommands.
type iterateFlags struct {
	workchain      int32
	shards         []string
	accounts       []string
	direction      string
	start          string
	checkpointFile string
	batchSize      int
	limit          int
	follow         bool
}

var iterateOpts iterateFlags

var iterateCmd = &cobra.Command{
	Use:   "iterate",
	Short: "Iterate over blocks or transactions, following shard splits and merges",
	Long: `Prints the records of the selected shards or accounts as JSON lines.

With --checkpoint-file, the position is saved after every batch and the
next run resumes right after the last record printed.`,
}

var iterateBlocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Iterate over blocks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIterate(cmd.Context(), func(c *client.Client, start iterator.Start, filter iterator.Filter, direction iterator.Direction) (recordIterator, error) {
			it, err := c.OpenBlocks(start, filter, direction)
			if err != nil {
				return nil, err
			}
			return blockIterator{it}, nil
		})
	},
}

var iterateTransactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "Iterate over transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIterate(cmd.Context(), func(c *client.Client, start iterator.Start, filter iterator.Filter, direction iterator.Direction) (recordIterator, error) {
			it, err := c.OpenTransactions(start, filter, direction)
			if err != nil {
				return nil, err
			}
			return transactionIterator{it}, nil
		})
	},
}

func init() {
	flags := iterateCmd.PersistentFlags()
	flags.Int32Var(&iterateOpts.workchain, "workchain", 0, "workchain to iterate when no shard or account is given")
	flags.StringSliceVar(&iterateOpts.shards, "shard", nil, "shard to iterate, as <workchain>:<prefix hex> (repeatable)")
	flags.StringSliceVar(&iterateOpts.accounts, "account", nil, "account to iterate, as <workchain>:<hex> (repeatable)")
	flags.StringVar(&iterateOpts.direction, "direction", "forward", "forward or backward")
	flags.StringVar(&iterateOpts.start, "start", "", "genesis or latest (default: genesis forward, latest backward)")
	flags.StringVar(&iterateOpts.checkpointFile, "checkpoint-file", "", "file to resume from and save the position to")
	flags.IntVar(&iterateOpts.batchSize, "batch-size", 0, "records per request (default: iterator.default_batch_size)")
	flags.IntVar(&iterateOpts.limit, "limit", 0, "stop after this many records, 0 for no limit")
	flags.BoolVar(&iterateOpts.follow, "follow", false, "keep waiting for new blocks at the chain tip")

	iterateCmd.AddCommand(iterateBlocksCmd)
	iterateCmd.AddCommand(iterateTransactionsCmd)
}

// recordIterator hides the record type of block and transaction iterators.
type recordIterator interface {
	next(ctx context.Context, batchSize int) ([]any, error)
	Checkpoint() (iterator.Checkpoint, error)
	Exhausted() bool
	Close() error
}

type blockIterator struct{ *iterator.BlockIterator }

func (it blockIterator) next(ctx context.Context, batchSize int) ([]any, error) {
	blocks, err := it.Next(ctx, batchSize)
	records := make([]any, 0, len(blocks))
	for _, block := range blocks {
		records = append(records, block)
	}
	return records, err
}

type transactionIterator struct{ *iterator.TransactionIterator }

func (it transactionIterator) next(ctx context.Context, batchSize int) ([]any, error) {
	txs, err := it.Next(ctx, batchSize)
	records := make([]any, 0, len(txs))
	for _, tx := range txs {
		records = append(records, tx)
	}
	return records, err
}

type openFunc func(*client.Client, iterator.Start, iterator.Filter, iterator.Direction) (recordIterator, error)

func runIterate(ctx context.Context, open openFunc) error {
	ledgerClient, logger, err := loadClient()
	if err != nil {
		return err
	}
	defer ledgerClient.Close()

	filter, err := iterateOpts.filter()
	if err != nil {
		return err
	}
	direction, err := parseDirection(iterateOpts.direction)
	if err != nil {
		return err
	}
	start, err := iterateOpts.startPosition(direction)
	if err != nil {
		return err
	}

	it, err := open(ledgerClient, start, filter, direction)
	if err != nil {
		return err
	}
	defer it.Close()

	encoder := json.NewEncoder(os.Stdout)
	batchSize := ledgerClient.BatchSize(iterateOpts.batchSize)
	printed := 0

	for iterateOpts.limit == 0 || printed < iterateOpts.limit {
		size := batchSize
		if iterateOpts.limit > 0 {
			size = min(size, iterateOpts.limit-printed)
		}

		records, err := it.next(ctx, size)
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := encoder.Encode(record); err != nil {
				return err
			}
		}
		printed += len(records)

		if err := saveCheckpoint(it); err != nil {
			return err
		}

		if len(records) > 0 {
			continue
		}
		if it.Exhausted() || !iterateOpts.follow {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(followPollInterval):
		}
	}

	logger.Debug().Int("records", printed).Msg("iteration stopped")
	if it.Exhausted() {
		color.New(color.FgCyan).Fprintln(os.Stderr, "🏁 Reached the first block of every followed shard.")
	}
	return nil
}

func (f iterateFlags) filter() (iterator.Filter, error) {
	var filter iterator.Filter
	for _, raw := range f.shards {
		shard, err := protocol.ParseShard(raw)
		if err != nil {
			return iterator.Filter{}, err
		}
		filter.Shards = append(filter.Shards, shard)
	}
	for _, raw := range f.accounts {
		account, err := protocol.ParseAccount(raw)
		if err != nil {
			return iterator.Filter{}, err
		}
		filter.Accounts = append(filter.Accounts, account)
	}
	if filter.IsZero() {
		filter = iterator.WorkchainFilter(f.workchain)
	}
	return filter, nil
}

func (f iterateFlags) startPosition(direction iterator.Direction) (iterator.Start, error) {
	if f.checkpointFile != "" {
		data, err := os.ReadFile(f.checkpointFile)
		switch {
		case err == nil:
			checkpoint, err := iterator.ParseCheckpoint(strings.TrimSpace(string(data)))
			if err != nil {
				return iterator.Start{}, fmt.Errorf("checkpoint file %s: %w", f.checkpointFile, err)
			}
			return iterator.StartFromCheckpoint(checkpoint), nil
		case !errors.Is(err, os.ErrNotExist):
			return iterator.Start{}, err
		}
	}

	switch f.start {
	case "genesis":
		return iterator.StartGenesis(), nil
	case "latest":
		return iterator.StartLatest(), nil
	case "":
		if direction == iterator.Backward {
			return iterator.StartLatest(), nil
		}
		return iterator.StartGenesis(), nil
	default:
		return iterator.Start{}, fmt.Errorf("unknown start %q: expected genesis or latest", f.start)
	}
}

func parseDirection(s string) (iterator.Direction, error) {
	switch s {
	case "forward":
		return iterator.Forward, nil
	case "backward":
		return iterator.Backward, nil
	default:
		return iterator.Forward, fmt.Errorf("unknown direction %q: expected forward or backward", s)
	}
}

// saveCheckpoint replaces the checkpoint file, through a rename so that a crash never leaves it truncated.
func saveCheckpoint(it recordIterator) error {
	if iterateOpts.checkpointFile == "" {
		return nil
	}

	checkpoint, err := it.Checkpoint()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(iterateOpts.checkpointFile), ".checkpoint-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(checkpoint.String() + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), iterateOpts.checkpointFile)
}
