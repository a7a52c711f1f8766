package iterator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/buildwithgrove/shardline/protocol"
)

// checkpointVersion is the version written into new checkpoints.
// Checkpoints with a higher version are rejected.
const checkpointVersion = 1

const (
	kindBlocks       = "blocks"
	kindTransactions = "transactions"
)

// Checkpoint is an opaque, resumable iterator position.
// It is the base64 encoding of a versioned JSON document: fields unknown to
// this version are carried over to the checkpoints of the resumed iterator.
type Checkpoint string

// ParseCheckpoint validates a checkpoint read back from storage.
func ParseCheckpoint(s string) (Checkpoint, error) {
	cp := Checkpoint(s)
	if _, err := decodeCheckpoint(cp); err != nil {
		return "", err
	}
	return cp, nil
}

func (c Checkpoint) String() string {
	return string(c)
}

// checkpointState is the decoded content of a checkpoint.
type checkpointState struct {
	kind      string
	direction Direction
	filter    Filter
	position  position
	drain     *drain

	// extra holds the fields this version does not know about.
	extra map[string]json.RawMessage
}

/* -------------------- Wire format -------------------- */

type refJSON struct {
	ID          protocol.BlockID `json:"id"`
	Shard       string           `json:"shard"`
	SeqNo       uint32           `json:"seq_no"`
	GenUtime    uint32           `json:"gen_utime"`
	PrevID      protocol.BlockID `json:"prev_id,omitempty"`
	PrevAltID   protocol.BlockID `json:"prev_alt_id,omitempty"`
	AfterSplit  bool             `json:"after_split,omitempty"`
	AfterMerge  bool             `json:"after_merge,omitempty"`
	BeforeSplit bool             `json:"before_split,omitempty"`
}

func newRefJSON(ref protocol.BlockRef) *refJSON {
	if ref.IsZero() {
		return nil
	}
	return &refJSON{
		ID:          ref.ID,
		Shard:       ref.Shard.String(),
		SeqNo:       ref.SeqNo,
		GenUtime:    ref.GenUtime,
		PrevID:      ref.PrevID,
		PrevAltID:   ref.PrevAltID,
		AfterSplit:  ref.AfterSplit,
		AfterMerge:  ref.AfterMerge,
		BeforeSplit: ref.BeforeSplit,
	}
}

func (r *refJSON) ref() (protocol.BlockRef, error) {
	if r == nil {
		return protocol.BlockRef{}, nil
	}
	shard, err := protocol.ParseShard(r.Shard)
	if err != nil {
		return protocol.BlockRef{}, err
	}
	return protocol.BlockRef{
		ID:          r.ID,
		Shard:       shard,
		SeqNo:       r.SeqNo,
		GenUtime:    r.GenUtime,
		PrevID:      r.PrevID,
		PrevAltID:   r.PrevAltID,
		AfterSplit:  r.AfterSplit,
		AfterMerge:  r.AfterMerge,
		BeforeSplit: r.BeforeSplit,
	}, nil
}

type filterJSON struct {
	Shards   []string `json:"shards,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}

type startJSON struct {
	Kind  string   `json:"kind"`
	After *refJSON `json:"after,omitempty"`
}

type branchJSON struct {
	Shard string   `json:"shard"`
	Head  *refJSON `json:"head,omitempty"`
	// Pending is the first block of a branch without head.
	Pending   *refJSON `json:"pending,omitempty"`
	Exhausted bool     `json:"exhausted,omitempty"`
}

type drainJSON struct {
	Block  *refJSON `json:"block"`
	LastLT string   `json:"last_lt,omitempty"`
}

// Known top-level fields.
const (
	fieldVersion   = "version"
	fieldKind      = "kind"
	fieldDirection = "direction"
	fieldFilter    = "filter"
	fieldStart     = "start"
	fieldFrontier  = "frontier"
	fieldExhausted = "exhausted"
	fieldDrain     = "drain"
)

/* -------------------- Encoding -------------------- */

func encodeCheckpoint(state checkpointState) (Checkpoint, error) {
	doc := make(map[string]json.RawMessage, len(state.extra)+8)
	for key, value := range state.extra {
		doc[key] = value
	}

	set := func(key string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode checkpoint %s: %w", key, err)
		}
		doc[key] = raw
		return nil
	}

	filter := filterJSON{}
	for _, shard := range state.filter.Shards {
		filter.Shards = append(filter.Shards, shard.String())
	}
	for _, account := range state.filter.Accounts {
		filter.Accounts = append(filter.Accounts, account.String())
	}

	fields := []struct {
		key   string
		value any
	}{
		{fieldVersion, checkpointVersion},
		{fieldKind, state.kind},
		{fieldDirection, state.direction.String()},
		{fieldFilter, filter},
		{fieldExhausted, state.position.exhausted},
	}
	for _, field := range fields {
		if err := set(field.key, field.value); err != nil {
			return "", err
		}
	}

	if !state.position.started {
		start := startJSON{Kind: state.position.start.kind.String(), After: newRefJSON(state.position.start.after)}
		if err := set(fieldStart, start); err != nil {
			return "", err
		}
	} else {
		delete(doc, fieldStart)
		branches := make([]branchJSON, 0, len(state.position.branches))
		for _, branch := range state.position.branches.sorted() {
			b := branchJSON{
				Shard:     branch.Shard.String(),
				Head:      newRefJSON(branch.Head),
				Exhausted: branch.Exhausted,
			}
			if branch.Head.IsZero() && branch.Next != nil {
				b.Pending = newRefJSON(branch.Next.BlockRef)
			}
			branches = append(branches, b)
		}
		if err := set(fieldFrontier, branches); err != nil {
			return "", err
		}
	}

	delete(doc, fieldDrain)
	if state.drain != nil {
		d := drainJSON{Block: newRefJSON(state.drain.block)}
		if state.drain.started {
			d.LastLT = strconv.FormatUint(state.drain.lastLT, 10)
		}
		if err := set(fieldDrain, d); err != nil {
			return "", err
		}
	}

	// Map keys are sorted by encoding/json: equal states give equal checkpoints.
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	return Checkpoint(base64.StdEncoding.EncodeToString(raw)), nil
}

/* -------------------- Decoding -------------------- */

func decodeCheckpoint(cp Checkpoint) (checkpointState, error) {
	raw, err := base64.StdEncoding.DecodeString(string(cp))
	if err != nil {
		return checkpointState{}, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return checkpointState{}, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	state, err := decodeFields(doc)
	if err != nil {
		return checkpointState{}, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}
	return state, nil
}

func decodeFields(doc map[string]json.RawMessage) (checkpointState, error) {
	get := func(key string, into any) (bool, error) {
		raw, ok := doc[key]
		if !ok {
			return false, nil
		}
		delete(doc, key)
		if err := json.Unmarshal(raw, into); err != nil {
			return true, fmt.Errorf("field %s: %w", key, err)
		}
		return true, nil
	}

	var state checkpointState

	var version int
	if ok, err := get(fieldVersion, &version); err != nil {
		return state, err
	} else if !ok {
		return state, fmt.Errorf("missing version")
	}
	if version < 1 || version > checkpointVersion {
		return state, fmt.Errorf("unsupported version %d", version)
	}

	if _, err := get(fieldKind, &state.kind); err != nil {
		return state, err
	}
	if state.kind != kindBlocks && state.kind != kindTransactions {
		return state, fmt.Errorf("unknown kind %q", state.kind)
	}

	var direction string
	if _, err := get(fieldDirection, &direction); err != nil {
		return state, err
	}
	dir, err := parseDirection(direction)
	if err != nil {
		return state, err
	}
	state.direction = dir

	var filter filterJSON
	if _, err := get(fieldFilter, &filter); err != nil {
		return state, err
	}
	for _, s := range filter.Shards {
		shard, err := protocol.ParseShard(s)
		if err != nil {
			return state, err
		}
		state.filter.Shards = append(state.filter.Shards, shard)
	}
	for _, s := range filter.Accounts {
		account, err := protocol.ParseAccount(s)
		if err != nil {
			return state, err
		}
		state.filter.Accounts = append(state.filter.Accounts, account)
	}

	if _, err := get(fieldExhausted, &state.position.exhausted); err != nil {
		return state, err
	}

	var start startJSON
	hasStart, err := get(fieldStart, &start)
	if err != nil {
		return state, err
	}
	var branches []branchJSON
	hasFrontier, err := get(fieldFrontier, &branches)
	if err != nil {
		return state, err
	}

	switch {
	case hasFrontier:
		state.position.started = true
		state.position.branches = make(frontier, len(branches))
		for _, b := range branches {
			branch, err := b.branch()
			if err != nil {
				return state, err
			}
			if _, dup := state.position.branches[branch.Shard]; dup {
				return state, fmt.Errorf("duplicate branch %s", branch.Shard)
			}
			state.position.branches[branch.Shard] = branch
		}
	case hasStart:
		s, err := start.start()
		if err != nil {
			return state, err
		}
		state.position.start = s
	default:
		return state, fmt.Errorf("missing frontier")
	}

	var d drainJSON
	hasDrain, err := get(fieldDrain, &d)
	if err != nil {
		return state, err
	}
	if hasDrain {
		block, err := d.Block.ref()
		if err != nil {
			return state, err
		}
		if block.IsZero() {
			return state, fmt.Errorf("drain without block")
		}
		state.drain = &drain{block: block}
		if d.LastLT != "" {
			lt, err := strconv.ParseUint(d.LastLT, 10, 64)
			if err != nil {
				return state, fmt.Errorf("drain last_lt: %w", err)
			}
			state.drain.lastLT = lt
			state.drain.started = true
		}
	}

	if len(doc) > 0 {
		state.extra = doc
	}
	return state, nil
}

func (b branchJSON) branch() (*ShardBranch, error) {
	shard, err := protocol.ParseShard(b.Shard)
	if err != nil {
		return nil, err
	}
	head, err := b.Head.ref()
	if err != nil {
		return nil, err
	}
	branch := &ShardBranch{Shard: shard, Head: head, Exhausted: b.Exhausted}

	if b.Pending != nil {
		pending, err := b.Pending.ref()
		if err != nil {
			return nil, err
		}
		branch.Next = &protocol.Block{BlockRef: pending}
	}
	if branch.Head.IsZero() && branch.Next == nil && !branch.Exhausted {
		return nil, fmt.Errorf("branch %s has no position", shard)
	}
	return branch, nil
}

func (s startJSON) start() (Start, error) {
	switch s.Kind {
	case startGenesis.String():
		return StartGenesis(), nil
	case startLatest.String():
		return StartLatest(), nil
	case startAfter.String():
		ref, err := s.After.ref()
		if err != nil {
			return Start{}, err
		}
		if ref.IsZero() {
			return Start{}, fmt.Errorf("start after without block")
		}
		return StartAfter(ref), nil
	default:
		return Start{}, fmt.Errorf("unknown start %q", s.Kind)
	}
}
