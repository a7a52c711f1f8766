package protocol

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const (
	// rootShardPrefix is the shard prefix covering a whole workchain.
	rootShardPrefix uint64 = 1 << 63

	// MaxShardDepth is the deepest split a workchain may reach.
	MaxShardDepth = 60

	// MasterchainID is the workchain id of the masterchain.
	MasterchainID int32 = -1
)

// Shard is a shard descriptor: a workchain id and a 64-bit shard prefix.
//
// The prefix uses the tagged encoding of the ledger:
//   - The lowest set bit is the tag; its position encodes the depth.
//   - The bits above the tag are the shard's prefix of the account address space.
//   - 0x8000000000000000 is the root shard (depth 0), covering the full workchain.
//
// Shard is comparable and is used as a map key by the iterator's frontier.
type Shard struct {
	Workchain int32
	Prefix    uint64
}

// RootShard returns the shard covering the full workchain.
func RootShard(workchain int32) Shard {
	return Shard{Workchain: workchain, Prefix: rootShardPrefix}
}

// ParseShard parses a shard from its "<workchain>:<16 hex digits>" form,
// or from the bare hex prefix when workchain is given separately.
func ParseShard(s string) (Shard, error) {
	wcPart, prefixPart, found := strings.Cut(s, ":")
	if !found {
		return Shard{}, fmt.Errorf("invalid shard %q: expected <workchain>:<prefix>", s)
	}

	wc, err := strconv.ParseInt(wcPart, 10, 32)
	if err != nil {
		return Shard{}, fmt.Errorf("invalid shard workchain %q: %w", wcPart, err)
	}

	return ParseShardPrefix(int32(wc), prefixPart)
}

// ParseShardPrefix parses the hex shard prefix used by the data service, e.g. "8000000000000000".
func ParseShardPrefix(workchain int32, hexPrefix string) (Shard, error) {
	prefix, err := strconv.ParseUint(hexPrefix, 16, 64)
	if err != nil {
		return Shard{}, fmt.Errorf("invalid shard prefix %q: %w", hexPrefix, err)
	}

	shard := Shard{Workchain: workchain, Prefix: prefix}
	if err := shard.Validate(); err != nil {
		return Shard{}, err
	}
	return shard, nil
}

// Validate returns an error if the prefix has no tag bit or is deeper than MaxShardDepth.
func (s Shard) Validate() error {
	if s.Prefix == 0 {
		return fmt.Errorf("invalid shard %s: empty prefix", s)
	}
	if s.Depth() > MaxShardDepth {
		return fmt.Errorf("invalid shard %s: depth %d exceeds %d", s, s.Depth(), MaxShardDepth)
	}
	return nil
}

// tag is the lowest set bit of the prefix.
func (s Shard) tag() uint64 {
	return s.Prefix & -s.Prefix
}

// upperMask selects the prefix bits above the tag.
// For the root shard it is zero: every shard of the workchain matches.
func (s Shard) upperMask() uint64 {
	return ^((s.tag() << 1) - 1)
}

// Depth is the number of splits between the root shard and s.
func (s Shard) Depth() int {
	return 63 - bits.TrailingZeros64(s.Prefix)
}

// IsRoot reports whether s covers its full workchain.
func (s Shard) IsRoot() bool {
	return s.Prefix == rootShardPrefix
}

// Parent returns the shard s was split from. The root shard is its own parent.
func (s Shard) Parent() Shard {
	if s.IsRoot() {
		return s
	}
	parentTag := s.tag() << 1
	return Shard{
		Workchain: s.Workchain,
		Prefix:    (s.Prefix & ^((parentTag << 1) - 1)) | parentTag,
	}
}

// Children returns the two halves s splits into, lower half first.
func (s Shard) Children() (Shard, Shard) {
	half := s.tag() >> 1
	return Shard{Workchain: s.Workchain, Prefix: s.Prefix - half},
		Shard{Workchain: s.Workchain, Prefix: s.Prefix + half}
}

// Sibling returns the other half of s's parent.
func (s Shard) Sibling() Shard {
	if s.IsRoot() {
		return s
	}
	return Shard{Workchain: s.Workchain, Prefix: s.Prefix ^ (s.tag() << 1)}
}

// Contains reports whether other is s or one of its descendants.
func (s Shard) Contains(other Shard) bool {
	if s.Workchain != other.Workchain {
		return false
	}
	if other.tag() > s.tag() {
		return false
	}
	return (s.Prefix^other.Prefix)&s.upperMask() == 0
}

// Intersects reports whether s and other cover a common part of the address space.
// Two shards either nest or are disjoint.
func (s Shard) Intersects(other Shard) bool {
	return s.Contains(other) || other.Contains(s)
}

// ContainsAccount reports whether the account's address falls into s.
func (s Shard) ContainsAccount(account Account) bool {
	if s.Workchain != account.Workchain {
		return false
	}
	return (s.Prefix^account.Prefix())&s.upperMask() == 0
}

// Value is the numeric value of the prefix. It orders shards of a workchain
// along the address space and breaks ties between equally timed blocks.
func (s Shard) Value() uint64 {
	return s.Prefix
}

// Less orders shards by workchain, then by Value.
func (s Shard) Less(other Shard) bool {
	if s.Workchain != other.Workchain {
		return s.Workchain < other.Workchain
	}
	return s.Prefix < other.Prefix
}

// PrefixHex returns the 16 hex digit form used by the data service.
func (s Shard) PrefixHex() string {
	return fmt.Sprintf("%016x", s.Prefix)
}

func (s Shard) String() string {
	return fmt.Sprintf("%d:%s", s.Workchain, s.PrefixHex())
}

// LeafShardOf returns the deepest shard containing the account.
func LeafShardOf(account Account) Shard {
	const leafTag = uint64(1) << (63 - MaxShardDepth)
	return Shard{
		Workchain: account.Workchain,
		Prefix:    (account.Prefix() & ^((leafTag << 1) - 1)) | leafTag,
	}
}
