package iterator

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/buildwithgrove/shardline/protocol"
)

// ShardBranch is one lineage of the frontier: a shard followed from its head.
//
// After a split both halves keep the pre-split block as their head until
// their first block is emitted. A branch whose next block lies on a
// containing shard is waiting for its siblings to reach the merged block.
type ShardBranch struct {
	Shard protocol.Shard

	// Head is the last block emitted, or already seen, on the branch.
	// It is zero while the first block of the branch is pending.
	Head protocol.BlockRef

	// Next is the following block in the iteration direction, once fetched.
	Next *protocol.Block

	// Exhausted is set on a backward branch which reached a block without parent.
	Exhausted bool
}

// joining reports whether the branch waits for a block on a containing shard.
func (b *ShardBranch) joining() bool {
	return b.Next != nil && b.Next.Shard != b.Shard && b.Next.Shard.Contains(b.Shard)
}

// frontier is the set of branches of an iteration, keyed by shard.
// Branch shards never overlap.
type frontier map[protocol.Shard]*ShardBranch

func (f frontier) clone() frontier {
	cloned := make(frontier, len(f))
	for shard, branch := range f {
		b := *branch
		cloned[shard] = &b
	}
	return cloned
}

// sorted returns the branches in shard order.
func (f frontier) sorted() []*ShardBranch {
	branches := make([]*ShardBranch, 0, len(f))
	for _, branch := range f {
		branches = append(branches, branch)
	}
	slices.SortFunc(branches, func(a, b *ShardBranch) int { return compareShards(a.Shard, b.Shard) })
	return branches
}

// within returns the branches nested in shard.
func (f frontier) within(shard protocol.Shard) []*ShardBranch {
	var branches []*ShardBranch
	for _, branch := range f.sorted() {
		if shard.Contains(branch.Shard) {
			branches = append(branches, branch)
		}
	}
	return branches
}

func (f frontier) exhausted() bool {
	for _, branch := range f {
		if !branch.Exhausted {
			return false
		}
	}
	return true
}

// position is the resumable state of a walk.
type position struct {
	// started is false until the start position was resolved against the source.
	started bool
	start   Start

	// verified is false for a frontier decoded from a checkpoint until it was checked against the source.
	verified bool

	branches  frontier
	exhausted bool
}

func (p position) clone() position {
	cloned := p
	if p.branches != nil {
		cloned.branches = p.branches.clone()
	}
	return cloned
}

// walkStats counts what a walk went through, for observations.
type walkStats struct {
	emitted int
	splits  int
	merges  int
}

// walker emits the blocks of the subscribed shards, merged across branches.
type walker struct {
	source       BlockSource
	direction    Direction
	subscription []protocol.Shard
}

// walk emits up to limit blocks from pos, updating it.
// On error pos is left in an undefined state: callers walk a clone.
func (w *walker) walk(ctx context.Context, pos *position, limit int, stats *walkStats) ([]protocol.Block, error) {
	return w.walkChecked(ctx, pos, limit, make(map[protocol.Shard]bool), stats)
}

// walkChecked is walk for callers walking pos in several steps.
// checked holds the branches whose successors were fetched and found missing:
// they are not fetched again until a block of their shard is emitted.
func (w *walker) walkChecked(
	ctx context.Context,
	pos *position,
	limit int,
	checked map[protocol.Shard]bool,
	stats *walkStats,
) ([]protocol.Block, error) {
	switch {
	case !pos.started:
		if err := w.begin(ctx, pos); err != nil {
			return nil, err
		}
	case !pos.verified:
		if err := w.restore(ctx, pos); err != nil {
			return nil, err
		}
	}
	pos.verified = true

	var out []protocol.Block
	for len(out) < limit && !pos.exhausted {
		if err := w.fetchSuccessors(ctx, pos, checked, stats); err != nil {
			return nil, err
		}

		block, ok := w.pick(pos.branches)
		if !ok {
			break
		}
		w.emit(pos, block, stats)
		delete(checked, block.Shard)
		out = append(out, block)
	}

	if w.direction == Backward && pos.branches.exhausted() {
		pos.exhausted = true
	}
	stats.emitted += len(out)
	return out, nil
}

// begin resolves the start position into the initial frontier.
func (w *walker) begin(ctx context.Context, pos *position) error {
	branches := make(frontier)

	switch pos.start.kind {
	case startGenesis:
		if w.direction == Backward {
			pos.exhausted = true
			break
		}
		for _, wc := range workchains(w.subscription) {
			first, err := w.source.FirstBlocks(ctx, wc)
			if err != nil {
				return err
			}
			if len(first) == 0 {
				return fmt.Errorf("%w: no first block for workchain %d", protocol.ErrIteratorDesync, wc)
			}
			for _, block := range first {
				if intersectsAny(w.subscription, block.Shard) {
					b := block
					branches[block.Shard] = &ShardBranch{Shard: block.Shard, Next: &b}
				}
			}
		}

	case startLatest:
		for _, wc := range workchains(w.subscription) {
			latest, err := w.source.LatestBlocks(ctx, wc)
			if err != nil {
				return err
			}
			if len(latest) == 0 {
				return fmt.Errorf("%w: no block for workchain %d", protocol.ErrIteratorDesync, wc)
			}
			for _, block := range latest {
				if !intersectsAny(w.subscription, block.Shard) {
					continue
				}
				b := block
				branch := &ShardBranch{Shard: block.Shard}
				if w.direction == Forward {
					branch.Head = b.BlockRef
				} else {
					branch.Next = &b
				}
				branches[block.Shard] = branch
			}
		}

	case startAfter:
		found, err := w.source.Blocks(ctx, []protocol.BlockID{pos.start.after.ID})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("%w: start block %s not found", protocol.ErrIteratorDesync, pos.start.after.ID)
		}
		ref := found[0].BlockRef
		if !intersectsAny(w.subscription, ref.Shard) {
			return fmt.Errorf("%w: start block %s is outside the filter", protocol.ErrProgrammingMisuse, ref)
		}
		if containsAll(ref.Shard, w.subscription) {
			branches[ref.Shard] = &ShardBranch{Shard: ref.Shard, Head: ref}
			break
		}
		if branches, err = w.cutAt(ctx, ref); err != nil {
			return err
		}

	default:
		return fmt.Errorf("SHOULD NEVER HAPPEN: unresolved start %s", pos.start.kind)
	}

	pos.branches = branches
	pos.started = true
	return nil
}

// cutAt builds the frontier of every subscribed lineage at ref: the blocks
// up to ref, in iteration order, count as seen.
//
// It walks back from the latest blocks. Each link between a seen block and
// the next block to emit becomes a branch on the narrower of their shards.
func (w *walker) cutAt(ctx context.Context, ref protocol.BlockRef) (frontier, error) {
	branches := make(frontier)
	add := func(branch *ShardBranch) error {
		for shard := range branches {
			if shard.Intersects(branch.Shard) {
				return fmt.Errorf("%w: branches %s and %s overlap at %s", protocol.ErrIteratorDesync, shard, branch.Shard, ref)
			}
		}
		branches[branch.Shard] = branch
		return nil
	}

	visited := make(map[protocol.BlockID]bool)
	var layer []protocol.Block
	for _, wc := range workchains(w.subscription) {
		latest, err := w.source.LatestBlocks(ctx, wc)
		if err != nil {
			return nil, err
		}
		if len(latest) == 0 {
			return nil, fmt.Errorf("%w: no block for workchain %d", protocol.ErrIteratorDesync, wc)
		}
		for _, block := range latest {
			if !intersectsAny(w.subscription, block.Shard) {
				continue
			}
			if w.aboveCut(block.BlockRef, ref) {
				visited[block.ID] = true
				layer = append(layer, block)
				continue
			}
			b := block
			branch := &ShardBranch{Shard: block.Shard, Head: b.BlockRef}
			if w.direction == Backward {
				branch = &ShardBranch{Shard: block.Shard, Next: &b}
			}
			if err := add(branch); err != nil {
				return nil, err
			}
		}
	}

	for len(layer) > 0 {
		var ids []protocol.BlockID
		for _, block := range layer {
			for _, id := range block.Parents() {
				if !slices.Contains(ids, id) {
					ids = append(ids, id)
				}
			}
		}

		byID := make(map[protocol.BlockID]protocol.Block, len(ids))
		if len(ids) > 0 {
			parents, err := w.source.Blocks(ctx, ids)
			if err != nil {
				return nil, err
			}
			for _, parent := range parents {
				byID[parent.ID] = parent
			}
		}

		var next []protocol.Block
		for _, block := range layer {
			if len(block.Parents()) == 0 {
				b := block
				branch := &ShardBranch{Shard: block.Shard, Next: &b}
				if w.direction == Backward {
					branch = &ShardBranch{Shard: block.Shard, Head: b.BlockRef, Exhausted: true}
				}
				if err := add(branch); err != nil {
					return nil, err
				}
				continue
			}

			for _, id := range block.Parents() {
				parent, ok := byID[id]
				if !ok {
					return nil, fmt.Errorf("%w: parent of %s not found", protocol.ErrIteratorDesync, block.BlockRef)
				}
				if !intersectsAny(w.subscription, parent.Shard) {
					continue
				}
				if w.aboveCut(parent.BlockRef, ref) {
					if !visited[parent.ID] {
						visited[parent.ID] = true
						next = append(next, parent)
					}
					continue
				}

				seen, pending := parent, block
				if w.direction == Backward {
					seen, pending = block, parent
				}
				if err := add(crossing(seen, pending)); err != nil {
					return nil, err
				}
			}
		}
		layer = next
	}
	return branches, nil
}

// aboveCut reports whether block lies on the latest side of the cut at ref:
// after ref going forward, ref or after it going backward.
func (w *walker) aboveCut(block, ref protocol.BlockRef) bool {
	if block.GenUtime != ref.GenUtime {
		return block.GenUtime > ref.GenUtime
	}
	if block.Shard == ref.Shard {
		return w.direction == Backward
	}
	return ref.Shard.Less(block.Shard)
}

// crossing is the branch following the link from a seen block to the next block to emit.
func crossing(seen, pending protocol.Block) *ShardBranch {
	shard := seen.Shard
	if seen.Shard.Contains(pending.Shard) {
		shard = pending.Shard
	}
	p := pending
	return &ShardBranch{Shard: shard, Head: seen.BlockRef, Next: &p}
}

// restore checks a frontier decoded from a checkpoint against the source,
// and refetches the pending first blocks of its branches.
func (w *walker) restore(ctx context.Context, pos *position) error {
	var ids []protocol.BlockID
	for _, branch := range pos.branches.sorted() {
		switch {
		case !branch.Head.IsZero():
			ids = append(ids, branch.Head.ID)
		case branch.Next != nil:
			ids = append(ids, branch.Next.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	found, err := w.source.Blocks(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[protocol.BlockID]protocol.Block, len(found))
	for _, block := range found {
		byID[block.ID] = block
	}

	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return fmt.Errorf("%w: checkpoint block %s not found", protocol.ErrIteratorDesync, id)
		}
	}

	for _, branch := range pos.branches {
		if branch.Head.IsZero() && branch.Next != nil {
			block := byID[branch.Next.ID]
			branch.Next = &block
		}
	}
	return nil
}

type fetched struct {
	branch     *ShardBranch
	successors []protocol.Block
	exhausted  bool
}

// fetchSuccessors fetches, concurrently, the next blocks of every branch which needs one.
func (w *walker) fetchSuccessors(ctx context.Context, pos *position, checked map[protocol.Shard]bool, stats *walkStats) error {
	var pending []*ShardBranch
	for _, branch := range pos.branches.sorted() {
		if branch.Next == nil && !branch.Exhausted && !checked[branch.Shard] {
			pending = append(pending, branch)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	results := make([]fetched, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range pending {
		g.Go(func() error {
			successors, exhausted, err := w.successors(gctx, branch.Head)
			if err != nil {
				return fmt.Errorf("branch %s: %w", branch.Shard, err)
			}
			results[i] = fetched{branch: branch, successors: successors, exhausted: exhausted}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, result := range results {
		checked[result.branch.Shard] = true
		w.attach(pos.branches, result, stats)
	}
	return nil
}

// successors returns the blocks following head in the walk direction.
func (w *walker) successors(ctx context.Context, head protocol.BlockRef) ([]protocol.Block, bool, error) {
	if w.direction == Forward {
		children, err := w.source.Children(ctx, head.ID)
		return children, false, err
	}

	parents := head.Parents()
	if len(parents) == 0 {
		return nil, true, nil
	}
	blocks, err := w.source.Blocks(ctx, parents)
	if err != nil {
		return nil, false, err
	}
	if len(blocks) != len(parents) {
		return nil, false, fmt.Errorf("%w: parent of %s not found", protocol.ErrIteratorDesync, head)
	}
	return blocks, false, nil
}

// attach links the fetched successors to the branch:
//   - a block of the same shard, or of a containing shard (a join), becomes its next block
//   - blocks of nested shards replace the branch with one branch per nested shard (a fork)
//   - blocks of other shards belong to sibling branches and are ignored
func (w *walker) attach(branches frontier, result fetched, stats *walkStats) {
	branch := result.branch
	if result.exhausted {
		branch.Exhausted = true
		return
	}

	var forks []protocol.Block
	for _, successor := range result.successors {
		switch {
		case successor.Shard == branch.Shard:
			s := successor
			branch.Next = &s
		case branch.Shard.Contains(successor.Shard):
			forks = append(forks, successor)
		case successor.Shard.Contains(branch.Shard):
			s := successor
			branch.Next = &s
		}
	}

	if len(forks) == 0 {
		return
	}

	delete(branches, branch.Shard)
	for _, fork := range forks {
		if !intersectsAny(w.subscription, fork.Shard) {
			continue
		}
		f := fork
		branches[fork.Shard] = &ShardBranch{Shard: fork.Shard, Head: branch.Head, Next: &f}
	}

	if w.direction == Forward {
		stats.splits++
	} else {
		stats.merges++
	}
}

// pick returns the next block to emit, if any may be emitted yet.
//
// Forward, the block with the lowest generation time wins, ties broken by
// the lowest shard. A block is held back while a branch without a known next
// block could still produce a block at the same or an earlier time.
// Backward mirrors the order and never holds back.
func (w *walker) pick(branches frontier) (protocol.Block, bool) {
	var (
		best  *protocol.Block
		found bool
	)

	for _, branch := range branches.sorted() {
		if branch.Next == nil || !w.joinReady(branches, branch) {
			continue
		}
		if !found || w.before(*branch.Next, *best) {
			best = branch.Next
			found = true
		}
	}
	if !found {
		return protocol.Block{}, false
	}

	if w.direction == Forward {
		for _, branch := range branches {
			if branch.Next == nil && !branch.Exhausted && best.GenUtime >= branch.Head.GenUtime {
				return protocol.Block{}, false
			}
		}
	}
	return *best, true
}

// joinReady reports whether every branch nested in the shard of the branch's
// next block reached it.
func (w *walker) joinReady(branches frontier, branch *ShardBranch) bool {
	if !branch.joining() {
		return true
	}
	for _, other := range branches.within(branch.Next.Shard) {
		if other.Next == nil || other.Next.ID != branch.Next.ID {
			return false
		}
	}
	return true
}

// before reports whether a is emitted before b.
func (w *walker) before(a, b protocol.Block) bool {
	if w.direction == Backward {
		a, b = b, a
	}
	if a.GenUtime != b.GenUtime {
		return a.GenUtime < b.GenUtime
	}
	return a.Shard.Less(b.Shard)
}

// emit advances the branches which reached block. Branches joining on it collapse into one.
func (w *walker) emit(pos *position, block protocol.Block, stats *walkStats) {
	var reached []*ShardBranch
	for _, branch := range pos.branches.sorted() {
		if branch.Next != nil && branch.Next.ID == block.ID {
			reached = append(reached, branch)
		}
	}

	if len(reached) == 1 && reached[0].Shard == block.Shard {
		reached[0].Head = block.BlockRef
		reached[0].Next = nil
		return
	}

	for _, branch := range reached {
		delete(pos.branches, branch.Shard)
	}
	pos.branches[block.Shard] = &ShardBranch{Shard: block.Shard, Head: block.BlockRef}

	if w.direction == Forward {
		stats.merges++
	} else {
		stats.splits++
	}
}
