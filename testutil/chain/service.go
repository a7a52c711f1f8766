package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/buildwithgrove/shardline/protocol"
)

// Submission is a message posted to the chain through the postRequests mutation.
type Submission struct {
	ID       protocol.MessageID
	Body     string
	ExpireAt int64
}

// OnSubmit sets the function called on every posted message, e.g. to produce
// the blocks which include it. An error rejects the message.
func (c *Chain) OnSubmit(fn func(Submission) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSubmit = fn
}

// Submitted returns the posted messages.
func (c *Chain) Submitted() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.submitted)
}

// FailRequests makes the next n requests on the collection fail with a transport error.
func (c *Chain) FailRequests(collection string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[collection] += n
}

// Requests returns how many requests were received on the collection.
func (c *Chain) Requests(collection string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[collection]
}

// Execute answers a request as a data service endpoint would.
// Its signature matches gateway.Transport.
func (c *Chain) Execute(ctx context.Context, endpoint protocol.EndpointAddr, request protocol.Request) (protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrTransport, err)
	}

	c.mu.Lock()
	c.requests[request.Collection]++
	if c.failures[request.Collection] > 0 {
		c.failures[request.Collection]--
		c.mu.Unlock()
		return protocol.Response{}, fmt.Errorf("%w: simulated failure of %s", protocol.ErrTransport, endpoint)
	}
	c.mu.Unlock()

	if request.Kind == protocol.OperationMutation {
		return c.mutate(endpoint, request)
	}

	var (
		records []map[string]any
		err     error
	)
	switch request.Collection {
	case protocol.CollectionInfo:
		return c.respond(endpoint, protocol.CollectionInfo, map[string]any{
			"version":       "simulated",
			"time":          time.Now().UnixMilli(),
			"latency":       0,
			"lastBlockTime": c.LastBlockTime(),
		})
	case protocol.CollectionBlocks:
		records, err = c.blockRecords()
	case protocol.CollectionTransactions:
		records, err = c.transactionRecords()
	case protocol.CollectionMessages:
		records, err = c.messageRecords()
	default:
		return protocol.Response{}, fmt.Errorf("chain: unsupported collection %q", request.Collection)
	}
	if err != nil {
		return protocol.Response{}, err
	}

	filter, err := normalize(request.Filter)
	if err != nil {
		return protocol.Response{}, err
	}

	var selected []map[string]any
	for _, record := range records {
		if matches(record, filter) {
			selected = append(selected, record)
		}
	}
	sortRecords(selected, request.OrderBy)
	if request.Limit > 0 && len(selected) > request.Limit {
		selected = selected[:request.Limit]
	}
	if selected == nil {
		selected = []map[string]any{}
	}

	if request.Collection == protocol.CollectionBlocks {
		c.countChildrenQuery(filter)
	}
	return c.respond(endpoint, request.Collection, selected)
}

func (c *Chain) mutate(endpoint protocol.EndpointAddr, request protocol.Request) (protocol.Response, error) {
	if request.Collection != protocol.MutationPostRequests {
		return protocol.Response{}, fmt.Errorf("chain: unsupported mutation %q", request.Collection)
	}

	raw, err := json.Marshal(request.Args["requests"])
	if err != nil {
		return protocol.Response{}, err
	}
	var posted []struct {
		ID       protocol.MessageID `json:"id"`
		Body     string             `json:"body"`
		ExpireAt int64              `json:"expireAt"`
	}
	if err := json.Unmarshal(raw, &posted); err != nil {
		return protocol.Response{}, fmt.Errorf("chain: malformed postRequests: %w", err)
	}

	var ids []protocol.MessageID
	for _, p := range posted {
		submission := Submission{ID: p.ID, Body: p.Body, ExpireAt: p.ExpireAt}

		c.mu.Lock()
		c.submitted = append(c.submitted, submission)
		onSubmit := c.onSubmit
		c.mu.Unlock()

		if onSubmit != nil {
			if err := onSubmit(submission); err != nil {
				resp := protocol.Response{
					Data:       json.RawMessage(`{"postRequests":null}`),
					Errors:     []protocol.ServerError{{Message: err.Error()}},
					Extensions: protocol.ResponseExtensions{LastBlockTime: c.LastBlockTime()},
					Endpoint:   endpoint,
				}
				resp.Errors[0].Extensions.Code = "MESSAGE_REJECTED"
				return resp, nil
			}
		}
		ids = append(ids, p.ID)
	}
	return c.respond(endpoint, protocol.MutationPostRequests, ids)
}

func (c *Chain) respond(endpoint protocol.EndpointAddr, name string, value any) (protocol.Response, error) {
	data, err := json.Marshal(map[string]any{name: value})
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{
		Data:       data,
		Extensions: protocol.ResponseExtensions{LastBlockTime: c.LastBlockTime(), ServerTime: time.Now().UnixMilli()},
		Endpoint:   endpoint,
	}, nil
}

// countChildrenQuery records children lookups made through Execute, as Children does.
func (c *Chain) countChildrenQuery(filter map[string]any) {
	prevRef, ok := filter["prev_ref"].(map[string]any)
	if !ok {
		return
	}
	rootHash, ok := prevRef["root_hash"].(map[string]any)
	if !ok {
		return
	}
	if id, ok := rootHash["eq"]; ok {
		c.mu.Lock()
		c.childrenRequests[protocol.BlockID(fmt.Sprint(id))]++
		c.mu.Unlock()
	}
}

/* -------------------- Records -------------------- */

type ref struct {
	RootHash protocol.BlockID `json:"root_hash"`
}

func (c *Chain) blockRecords() ([]map[string]any, error) {
	var records []map[string]any
	for _, block := range c.AllBlocks() {
		accounts := make([]map[string]string, 0, len(block.Accounts))
		for _, account := range block.Accounts {
			accounts = append(accounts, map[string]string{"account_addr": account.String()})
		}

		wire := map[string]any{
			"id":             block.ID,
			"seq_no":         block.SeqNo,
			"gen_utime":      block.GenUtime,
			"workchain_id":   block.Shard.Workchain,
			"shard":          block.Shard.PrefixHex(),
			"after_split":    block.AfterSplit,
			"after_merge":    block.AfterMerge,
			"before_split":   block.BeforeSplit,
			"tr_count":       block.TransactionCount,
			"in_msg_descr":   block.InMessages,
			"account_blocks": accounts,
		}
		if block.PrevID != "" {
			wire["prev_ref"] = ref{RootHash: block.PrevID}
		}
		if block.PrevAltID != "" {
			wire["prev_alt_ref"] = ref{RootHash: block.PrevAltID}
		}

		record, err := toRecord(wire)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *Chain) transactionRecords() ([]map[string]any, error) {
	c.mu.Lock()
	var txs []protocol.Transaction
	for _, id := range c.order {
		txs = append(txs, c.transactions[id]...)
	}
	c.mu.Unlock()

	var records []map[string]any
	for _, tx := range txs {
		record, err := toRecord(map[string]any{
			"id":           tx.ID,
			"account_addr": tx.Account.String(),
			"block_id":     tx.BlockID,
			"lt":           tx.LT,
			"now":          tx.Now,
			"in_msg":       tx.InMessage,
			"out_msgs":     tx.OutMessages,
			"aborted":      tx.Aborted,
		})
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *Chain) messageRecords() ([]map[string]any, error) {
	c.mu.Lock()
	msgs := make([]protocol.Message, 0, len(c.messages))
	for _, msg := range c.messages {
		msgs = append(msgs, msg)
	}
	c.mu.Unlock()

	slices.SortFunc(msgs, func(a, b protocol.Message) int { return strings.Compare(string(a.ID), string(b.ID)) })

	var records []map[string]any
	for _, msg := range msgs {
		record, err := toRecord(map[string]any{
			"id":         msg.ID,
			"src":        msg.Source,
			"dst":        msg.Destination,
			"created_lt": msg.CreatedLT,
			"boc":        msg.Boc,
		})
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// toRecord converts a value to its generic JSON form, numbers kept as json.Number.
func toRecord(value any) (map[string]any, error) {
	var record map[string]any
	return record, roundTrip(value, &record)
}

func normalize(filter protocol.Filter) (map[string]any, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	var normalized map[string]any
	return normalized, roundTrip(filter, &normalized)
}

func roundTrip(value any, into any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(into)
}

/* -------------------- Filters -------------------- */

// matches evaluates a data service filter against a record.
func matches(record map[string]any, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}

	own := true
	for key, cond := range filter {
		if key == "OR" {
			continue
		}
		if !matchField(record[key], cond) {
			own = false
			break
		}
	}
	if own {
		return true
	}

	if or, ok := filter["OR"].(map[string]any); ok {
		return matches(record, or)
	}
	return false
}

func matchField(value any, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok || value == nil {
		return false
	}

	for op, operand := range ops {
		switch op {
		case "eq":
			if compare(value, operand) != 0 {
				return false
			}
		case "gt":
			if compare(value, operand) <= 0 {
				return false
			}
		case "ge":
			if compare(value, operand) < 0 {
				return false
			}
		case "lt":
			if compare(value, operand) >= 0 {
				return false
			}
		case "le":
			if compare(value, operand) > 0 {
				return false
			}
		case "in":
			values, _ := operand.([]any)
			if !slices.ContainsFunc(values, func(v any) bool { return compare(value, v) == 0 }) {
				return false
			}
		default:
			// A nested object filter, e.g. prev_ref: {root_hash: {eq: ...}}.
			nested, ok := value.(map[string]any)
			if !ok || !matchField(nested[op], operand) {
				return false
			}
		}
	}
	return true
}

// compare orders two scalar values: numerically when both are numbers, as strings otherwise.
// Hex strings ("0x1f") are compared as numbers.
func compare(a, b any) int {
	x, xok := number(a)
	y, yok := number(b)
	if xok && yok {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	case string:
		if hexPart, ok := strings.CutPrefix(n, "0x"); ok {
			u, err := strconv.ParseUint(hexPart, 16, 64)
			return u, err == nil
		}
	}
	return 0, false
}

func sortRecords(records []map[string]any, orderBy []protocol.OrderBy) {
	if len(orderBy) == 0 {
		return
	}
	slices.SortStableFunc(records, func(a, b map[string]any) int {
		for _, order := range orderBy {
			cmp := compare(a[order.Path], b[order.Path])
			if cmp == 0 {
				continue
			}
			if order.Direction == protocol.SortDesc {
				return -cmp
			}
			return cmp
		}
		return 0
	})
}
