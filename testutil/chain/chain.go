// Package chain simulates a sharded chain for tests: blocks with split and
// merge linkage, transactions and messages.
//
// A Chain serves its records both as an iterator.BlockSource and, through
// Execute, as a data service endpoint answering protocol.Request values.
package chain

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/buildwithgrove/shardline/protocol"
)

// Chain is a simulated workchain. It is safe for concurrent use.
type Chain struct {
	mu sync.Mutex

	workchain int32
	lastLT    uint64
	lastTime  uint32

	blocks   map[protocol.BlockID]protocol.Block
	order    []protocol.BlockID
	children map[protocol.BlockID][]protocol.BlockID
	tips     map[protocol.Shard]protocol.BlockID

	transactions map[protocol.BlockID][]protocol.Transaction
	messages     map[protocol.MessageID]protocol.Message

	// childrenRequests counts the Children calls per block.
	childrenRequests map[protocol.BlockID]int
	// requests counts the Execute calls per collection.
	requests map[string]int
	// failures holds the number of upcoming Execute calls failing per collection.
	failures map[string]int

	submitted []Submission
	onSubmit  func(Submission) error
}

// BlockOption configures a block added to the chain.
type BlockOption func(*pendingBlock)

type pendingBlock struct {
	txs []txSpec
}

type txSpec struct {
	account protocol.Account
	inMsg   protocol.MessageID
	outMsgs []protocol.MessageID
	aborted bool
}

// WithTransaction adds a transaction of account consuming inMsg (may be empty)
// and producing outMsgs.
func WithTransaction(account protocol.Account, inMsg protocol.MessageID, outMsgs ...protocol.MessageID) BlockOption {
	return func(p *pendingBlock) {
		p.txs = append(p.txs, txSpec{account: account, inMsg: inMsg, outMsgs: outMsgs})
	}
}

// WithAbortedTransaction adds an aborted transaction of account consuming inMsg.
func WithAbortedTransaction(account protocol.Account, inMsg protocol.MessageID) BlockOption {
	return func(p *pendingBlock) {
		p.txs = append(p.txs, txSpec{account: account, inMsg: inMsg, aborted: true})
	}
}

// New returns a chain with its first block, on the root shard of the workchain.
func New(workchain int32, genesisTime uint32, opts ...BlockOption) *Chain {
	c := &Chain{
		workchain:        workchain,
		blocks:           make(map[protocol.BlockID]protocol.Block),
		children:         make(map[protocol.BlockID][]protocol.BlockID),
		tips:             make(map[protocol.Shard]protocol.BlockID),
		transactions:     make(map[protocol.BlockID][]protocol.Transaction),
		messages:         make(map[protocol.MessageID]protocol.Message),
		childrenRequests: make(map[protocol.BlockID]int),
		requests:         make(map[string]int),
		failures:         make(map[string]int),
	}

	root := protocol.RootShard(workchain)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(protocol.BlockRef{Shard: root, SeqNo: 1, GenUtime: genesisTime}, opts)
	return c
}

func blockID(shard protocol.Shard, seqNo uint32) protocol.BlockID {
	return protocol.BlockID(fmt.Sprintf("%s:%d", shard, seqNo))
}

// insert adds a block; ref must have everything but its id set.
func (c *Chain) insert(ref protocol.BlockRef, opts []BlockOption) protocol.Block {
	ref.ID = blockID(ref.Shard, ref.SeqNo)
	block := protocol.Block{BlockRef: ref}

	pending := pendingBlock{}
	for _, opt := range opts {
		opt(&pending)
	}

	for i, ptx := range pending.txs {
		c.lastLT += 1_000
		tx := protocol.Transaction{
			ID:          protocol.TransactionID(fmt.Sprintf("tx:%s:%d", ref.ID, i)),
			Account:     ptx.account,
			BlockID:     ref.ID,
			LT:          c.lastLT,
			Now:         ref.GenUtime,
			InMessage:   ptx.inMsg,
			OutMessages: ptx.outMsgs,
			Aborted:     ptx.aborted,
		}
		c.transactions[ref.ID] = append(c.transactions[ref.ID], tx)

		if ptx.inMsg != "" {
			block.InMessages = append(block.InMessages, protocol.InMsgDescr{MessageID: ptx.inMsg, TransactionID: tx.ID})
			if _, known := c.messages[ptx.inMsg]; !known {
				c.messages[ptx.inMsg] = protocol.Message{ID: ptx.inMsg, Destination: ptx.account.String()}
			}
		}
		for j, out := range ptx.outMsgs {
			c.messages[out] = protocol.Message{
				ID:        out,
				Source:    ptx.account.String(),
				CreatedLT: tx.LT + uint64(j) + 1,
			}
		}
		if !slices.Contains(block.Accounts, ptx.account) {
			block.Accounts = append(block.Accounts, ptx.account)
		}
	}
	block.TransactionCount = len(pending.txs)

	c.blocks[ref.ID] = block
	c.order = append(c.order, ref.ID)
	for _, parent := range ref.Parents() {
		c.children[parent] = append(c.children[parent], ref.ID)
	}
	c.tips[ref.Shard] = ref.ID
	c.lastTime = max(c.lastTime, ref.GenUtime)
	return block
}

func (c *Chain) tip(shard protocol.Shard) protocol.Block {
	id, ok := c.tips[shard]
	if !ok {
		panic(fmt.Sprintf("chain: %s is not a current shard", shard))
	}
	return c.blocks[id]
}

// AddBlock appends a block to the current shard.
func (c *Chain) AddBlock(shard protocol.Shard, genUtime uint32, opts ...BlockOption) protocol.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.tip(shard)
	return c.insert(protocol.BlockRef{
		Shard:    shard,
		SeqNo:    prev.SeqNo + 1,
		GenUtime: genUtime,
		PrevID:   prev.ID,
	}, opts)
}

// Split splits the current shard: its last block is marked before_split and
// the first block of each half is produced at the given times.
func (c *Chain) Split(shard protocol.Shard, lowerTime, upperTime uint32) (protocol.Block, protocol.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.tip(shard)
	prev.BeforeSplit = true
	c.blocks[prev.ID] = prev
	delete(c.tips, shard)

	lower, upper := shard.Children()
	first := c.insert(protocol.BlockRef{
		Shard:      lower,
		SeqNo:      prev.SeqNo + 1,
		GenUtime:   lowerTime,
		PrevID:     prev.ID,
		AfterSplit: true,
	}, nil)
	second := c.insert(protocol.BlockRef{
		Shard:      upper,
		SeqNo:      prev.SeqNo + 1,
		GenUtime:   upperTime,
		PrevID:     prev.ID,
		AfterSplit: true,
	}, nil)
	return first, second
}

// Merge merges the two current halves of shard into its first block.
func (c *Chain) Merge(shard protocol.Shard, genUtime uint32, opts ...BlockOption) protocol.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	lower, upper := shard.Children()
	left, right := c.tip(lower), c.tip(upper)
	delete(c.tips, lower)
	delete(c.tips, upper)

	return c.insert(protocol.BlockRef{
		Shard:      shard,
		SeqNo:      max(left.SeqNo, right.SeqNo) + 1,
		GenUtime:   genUtime,
		PrevID:     left.ID,
		PrevAltID:  right.ID,
		AfterMerge: true,
	}, opts)
}

// Prune forgets a block, as a data service dropping old history would.
func (c *Chain) Prune(id protocol.BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocks, id)
}

// Tip returns the last block of a current shard.
func (c *Chain) Tip(shard protocol.Shard) protocol.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip(shard)
}

// Shards returns the current shards, in shard order.
func (c *Chain) Shards() []protocol.Shard {
	c.mu.Lock()
	defer c.mu.Unlock()

	shards := make([]protocol.Shard, 0, len(c.tips))
	for shard := range c.tips {
		shards = append(shards, shard)
	}
	slices.SortFunc(shards, func(a, b protocol.Shard) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	return shards
}

// AllBlocks returns every block, in production order.
func (c *Chain) AllBlocks() []protocol.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks := make([]protocol.Block, 0, len(c.order))
	for _, id := range c.order {
		if block, ok := c.blocks[id]; ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// LastBlockTime is the generation time of the freshest block.
func (c *Chain) LastBlockTime() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTime
}

// ChildrenRequests returns how many times the children of the block were requested.
func (c *Chain) ChildrenRequests(id protocol.BlockID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childrenRequests[id]
}

/* -------------------- Block source -------------------- */

func (c *Chain) Blocks(_ context.Context, ids []protocol.BlockID) ([]protocol.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var blocks []protocol.Block
	for _, id := range ids {
		if block, ok := c.blocks[id]; ok {
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

func (c *Chain) Children(_ context.Context, id protocol.BlockID) ([]protocol.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.childrenRequests[id]++
	return c.childrenOf(id), nil
}

func (c *Chain) childrenOf(id protocol.BlockID) []protocol.Block {
	var children []protocol.Block
	for _, childID := range c.children[id] {
		if child, ok := c.blocks[childID]; ok {
			children = append(children, child)
		}
	}
	return children
}

func (c *Chain) FirstBlocks(_ context.Context, workchain int32) ([]protocol.Block, error) {
	if workchain != c.workchain {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil, nil
	}
	first, ok := c.blocks[c.order[0]]
	if !ok {
		return nil, nil
	}
	return []protocol.Block{first}, nil
}

func (c *Chain) LatestBlocks(_ context.Context, workchain int32) ([]protocol.Block, error) {
	if workchain != c.workchain {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var latest []protocol.Block
	for _, id := range c.tips {
		latest = append(latest, c.blocks[id])
	}
	slices.SortFunc(latest, func(a, b protocol.Block) int {
		if a.Shard.Less(b.Shard) {
			return -1
		}
		return 1
	})
	return latest, nil
}

func (c *Chain) Transactions(_ context.Context, blockID protocol.BlockID) ([]protocol.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transactions[blockID]), nil
}

func (c *Chain) Messages(_ context.Context, ids []protocol.MessageID) ([]protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []protocol.Message
	for _, id := range ids {
		if msg, ok := c.messages[id]; ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}
