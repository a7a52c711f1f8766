// Package iterator walks the blocks and transactions of a sharded chain,
// following shard splits and merges, and resumes from opaque checkpoints.
//
// The frontier of an iteration is a set of ShardBranch, one per followed
// shard lineage:
//   - a split replaces a branch with one branch per half intersecting the filter
//   - a merge collapses the sibling branches once all of them reached the merged block
//
// Records are merged across branches by generation time.
package iterator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog"
	"github.com/pokt-network/poktroll/pkg/polylog/polyzero"

	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/protocol"
)

type options struct {
	logger   polylog.Logger
	reporter observation.Reporter
}

// Option configures an iterator.
type Option func(*options)

// WithLogger sets the iterator's logger. Iterators log nothing by default.
func WithLogger(logger polylog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithReporter publishes an observation for every Next call.
func WithReporter(reporter observation.Reporter) Option {
	return func(o *options) { o.reporter = reporter }
}

// core is the state shared by block and transaction iterators.
type core struct {
	kind     string
	logger   polylog.Logger
	reporter observation.Reporter

	filter Filter
	walker walker

	// busy guards against concurrent Next calls.
	busy   atomic.Bool
	closed atomic.Bool

	// mu guards the committed state below. Next works on a copy and commits on success.
	mu    sync.Mutex
	pos   position
	drain *drain
	extra map[string]json.RawMessage
}

func newCore(
	kind string,
	source BlockSource,
	start Start,
	filter Filter,
	direction Direction,
	opts []Option,
) (*core, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = polyzero.NewLogger(polyzero.WithOutput(io.Discard))
	}
	if o.reporter == nil {
		o.reporter = observation.NoopReporter{}
	}

	if source == nil {
		return nil, fmt.Errorf("%w: nil block source", protocol.ErrProgrammingMisuse)
	}

	c := &core{
		kind:     kind,
		reporter: o.reporter,
	}

	if start.kind == startCheckpoint {
		state, err := decodeCheckpoint(start.checkpoint)
		if err != nil {
			return nil, err
		}
		if state.kind != kind {
			return nil, fmt.Errorf("%w: %s checkpoint used to open a %s iterator", protocol.ErrProgrammingMisuse, state.kind, kind)
		}
		if !filter.IsZero() && !filter.equal(state.filter) {
			return nil, fmt.Errorf("%w: filter differs from the checkpoint's", protocol.ErrProgrammingMisuse)
		}
		if direction != state.direction {
			return nil, fmt.Errorf("%w: direction %s differs from the checkpoint's %s", protocol.ErrProgrammingMisuse, direction, state.direction)
		}
		filter = state.filter
		c.pos = state.position
		c.drain = state.drain
		c.extra = state.extra
	} else {
		c.pos = position{start: start}
	}

	subscription, err := filter.subscription()
	if err != nil {
		return nil, err
	}

	c.filter = filter
	c.walker = walker{
		source:       source,
		direction:    direction,
		subscription: subscription,
	}
	c.logger = o.logger.With(
		"component", kind+"_iterator",
		"direction", direction.String(),
	)
	return c, nil
}

// enter marks the start of a Next call.
func (c *core) enter() error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", protocol.ErrProgrammingMisuse, ErrIteratorClosed)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: concurrent Next on one iterator", protocol.ErrProgrammingMisuse)
	}
	return nil
}

func (c *core) leave() {
	c.busy.Store(false)
}

// snapshot returns a copy of the committed state.
func (c *core) snapshot() (position, *drain) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var d *drain
	if c.drain != nil {
		cp := *c.drain
		d = &cp
	}
	return c.pos.clone(), d
}

func (c *core) commit(pos position, d *drain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = pos
	c.drain = d
}

func (c *core) checkpoint() (Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return encodeCheckpoint(checkpointState{
		kind:      c.kind,
		direction: c.walker.direction,
		filter:    c.filter,
		position:  c.pos,
		drain:     c.drain,
		extra:     c.extra,
	})
}

func (c *core) frontier() []ShardBranch {
	c.mu.Lock()
	defer c.mu.Unlock()

	branches := make([]ShardBranch, 0, len(c.pos.branches))
	for _, branch := range c.pos.branches.sorted() {
		branches = append(branches, *branch)
	}
	return branches
}

func (c *core) exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos.exhausted && c.drain == nil
}

func (c *core) observe(start time.Time, emitted int, stats walkStats, err error) {
	c.mu.Lock()
	branches := len(c.pos.branches)
	exhausted := c.pos.exhausted && c.drain == nil
	c.mu.Unlock()

	obs := &observation.IteratorObservation{
		Kind:      c.kind,
		Direction: c.walker.direction.String(),
		Branches:  branches,
		Emitted:   emitted,
		Splits:    stats.splits,
		Merges:    stats.merges,
		Duration:  time.Since(start),
		Exhausted: exhausted,
	}
	if err != nil {
		obs.ErrorMessage = err.Error()
		c.logger.Warn().Err(err).Msg("iteration failed, progress discarded")
	} else if stats.splits > 0 || stats.merges > 0 {
		c.logger.Debug().
			Int("splits", stats.splits).
			Int("merges", stats.merges).
			Int("branches", branches).
			Msg("frontier rewritten")
	}

	c.reporter.Publish(&observation.Observations{Iterator: obs})
}

func validateBatchSize(batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", protocol.ErrProgrammingMisuse, batchSize)
	}
	return nil
}
