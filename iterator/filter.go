package iterator

import (
	"fmt"
	"slices"

	"github.com/buildwithgrove/shardline/protocol"
)

// Direction of an iteration over the chain history.
type Direction int

const (
	// Forward walks the history in chronological order. It never ends on its own.
	Forward Direction = iota
	// Backward walks the history from newer to older blocks, down to the first block of each shard.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

func parseDirection(s string) (Direction, error) {
	switch s {
	case "forward":
		return Forward, nil
	case "backward":
		return Backward, nil
	default:
		return Forward, fmt.Errorf("unknown direction %q", s)
	}
}

// Filter selects the part of the chain to iterate.
//
// Shards and Accounts combine as an intersection:
//   - Shards only: every block of the shards, following their splits and merges.
//   - Accounts only: the lineage of each account's shard; transaction iterators
//     emit only the accounts' transactions.
//   - Both: accounts must fall into one of the shards.
type Filter struct {
	Shards   []protocol.Shard
	Accounts []protocol.Account
}

// WorkchainFilter selects every shard of the workchain.
func WorkchainFilter(workchain int32) Filter {
	return Filter{Shards: []protocol.Shard{protocol.RootShard(workchain)}}
}

// AccountFilter selects the lineage and the transactions of the accounts.
func AccountFilter(accounts ...protocol.Account) Filter {
	return Filter{Accounts: accounts}
}

func (f Filter) IsZero() bool {
	return len(f.Shards) == 0 && len(f.Accounts) == 0
}

// subscription returns the shards followed by the iterator: the filter shards,
// or the leaf shards of the filter accounts when accounts are given.
func (f Filter) subscription() ([]protocol.Shard, error) {
	if f.IsZero() {
		return nil, fmt.Errorf("%w: empty filter", protocol.ErrProgrammingMisuse)
	}

	for _, shard := range f.Shards {
		if err := shard.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrProgrammingMisuse, err)
		}
	}

	if len(f.Accounts) == 0 {
		return normalizeShards(f.Shards), nil
	}

	leaves := make([]protocol.Shard, 0, len(f.Accounts))
	for _, account := range f.Accounts {
		if len(f.Shards) > 0 && !slices.ContainsFunc(f.Shards, func(s protocol.Shard) bool { return s.ContainsAccount(account) }) {
			return nil, fmt.Errorf("%w: account %s is outside the filter shards", protocol.ErrProgrammingMisuse, account)
		}
		leaves = append(leaves, protocol.LeafShardOf(account))
	}
	return normalizeShards(leaves), nil
}

// normalizeShards drops duplicates and shards nested in another one, and sorts the rest.
func normalizeShards(shards []protocol.Shard) []protocol.Shard {
	var out []protocol.Shard
	for i, shard := range shards {
		nested := false
		for j, other := range shards {
			if i == j {
				continue
			}
			if other.Contains(shard) && (other != shard || j < i) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, shard)
		}
	}
	slices.SortFunc(out, compareShards)
	return out
}

func compareShards(a, b protocol.Shard) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

// workchains returns the workchains of the shards, sorted.
func workchains(shards []protocol.Shard) []int32 {
	var wcs []int32
	for _, shard := range shards {
		if !slices.Contains(wcs, shard.Workchain) {
			wcs = append(wcs, shard.Workchain)
		}
	}
	slices.Sort(wcs)
	return wcs
}

// intersectsAny reports whether shard intersects one of the subscribed shards.
func intersectsAny(subscription []protocol.Shard, shard protocol.Shard) bool {
	for _, s := range subscription {
		if s.Intersects(shard) {
			return true
		}
	}
	return false
}

// containsAll reports whether shard contains every subscribed shard.
func containsAll(shard protocol.Shard, subscription []protocol.Shard) bool {
	for _, s := range subscription {
		if !shard.Contains(s) {
			return false
		}
	}
	return true
}

// matchesAccount reports whether the filter selects transactions of the account.
func (f Filter) matchesAccount(account protocol.Account) bool {
	return len(f.Accounts) == 0 || slices.Contains(f.Accounts, account)
}

// blockMayMatch reports whether the block may hold transactions selected by the filter.
func (f Filter) blockMayMatch(block protocol.Block) bool {
	if block.TransactionCount == 0 {
		return false
	}
	if len(f.Accounts) == 0 || len(block.Accounts) == 0 {
		return true
	}
	return slices.ContainsFunc(block.Accounts, f.matchesAccount)
}

func (f Filter) equal(other Filter) bool {
	return slices.Equal(f.Shards, other.Shards) && slices.Equal(f.Accounts, other.Accounts)
}

/* -------------------- Start positions -------------------- */

type startKind int

const (
	startGenesis startKind = iota
	startLatest
	startAfter
	startCheckpoint
)

func (k startKind) String() string {
	switch k {
	case startLatest:
		return "latest"
	case startAfter:
		return "after"
	case startCheckpoint:
		return "checkpoint"
	default:
		return "genesis"
	}
}

// Start is the position an iterator starts from.
type Start struct {
	kind       startKind
	after      protocol.BlockRef
	checkpoint Checkpoint
}

// StartGenesis starts at the first block of each subscribed workchain.
// A backward iteration from genesis is exhausted at once.
func StartGenesis() Start {
	return Start{kind: startGenesis}
}

// StartLatest starts at the latest block of each current shard. A forward
// iteration treats them as already seen and emits the blocks produced after.
func StartLatest() Start {
	return Start{kind: startLatest}
}

// StartAfter starts after the block: it and every block before it in the
// iteration order count as already seen, on every subscribed shard.
func StartAfter(ref protocol.BlockRef) Start {
	return Start{kind: startAfter, after: ref}
}

// StartFromCheckpoint resumes an iteration. The checkpoint's filter and direction apply.
func StartFromCheckpoint(checkpoint Checkpoint) Start {
	return Start{kind: startCheckpoint, checkpoint: checkpoint}
}
