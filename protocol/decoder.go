package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Result field selections requested from the data service. They match what JSONDecoder reads.
const (
	BlockResultFields = "id seq_no gen_utime workchain_id shard " +
		"prev_ref { root_hash } prev_alt_ref { root_hash } " +
		"after_split after_merge before_split tr_count " +
		"in_msg_descr { msg_id transaction_id } account_blocks { account_addr }"

	TransactionResultFields = "id account_addr block_id lt now in_msg out_msgs aborted boc"

	MessageResultFields = "id src dst created_lt boc"

	InfoResultFields = "version time latency lastBlockTime"
)

// RecordDecoder decodes the records returned by the data service.
// It is a collaborator of the core: deployments with a different record schema plug their own.
type RecordDecoder interface {
	DecodeBlocks(raw json.RawMessage) ([]Block, error)
	DecodeTransactions(raw json.RawMessage) ([]Transaction, error)
	DecodeMessages(raw json.RawMessage) ([]Message, error)
}

// JSONDecoder decodes the default JSON record schema of the data service.
type JSONDecoder struct{}

var _ RecordDecoder = JSONDecoder{}

type wireRef struct {
	RootHash BlockID `json:"root_hash"`
}

type wireBlock struct {
	ID          BlockID      `json:"id"`
	SeqNo       uint32       `json:"seq_no"`
	GenUtime    uint32       `json:"gen_utime"`
	WorkchainID int32        `json:"workchain_id"`
	Shard       string       `json:"shard"`
	PrevRef     *wireRef     `json:"prev_ref"`
	PrevAltRef  *wireRef     `json:"prev_alt_ref"`
	AfterSplit  bool         `json:"after_split"`
	AfterMerge  bool         `json:"after_merge"`
	BeforeSplit bool         `json:"before_split"`
	TrCount     int          `json:"tr_count"`
	InMsgDescr  []InMsgDescr `json:"in_msg_descr"`

	AccountBlocks []struct {
		AccountAddr string `json:"account_addr"`
	} `json:"account_blocks"`
}

func (w wireBlock) block() (Block, error) {
	shard, err := ParseShardPrefix(w.WorkchainID, w.Shard)
	if err != nil {
		return Block{}, fmt.Errorf("block %s: %w", w.ID, err)
	}

	block := Block{
		BlockRef: BlockRef{
			ID:          w.ID,
			Shard:       shard,
			SeqNo:       w.SeqNo,
			GenUtime:    w.GenUtime,
			AfterSplit:  w.AfterSplit,
			AfterMerge:  w.AfterMerge,
			BeforeSplit: w.BeforeSplit,
		},
		InMessages:       w.InMsgDescr,
		TransactionCount: w.TrCount,
	}
	if w.PrevRef != nil {
		block.PrevID = w.PrevRef.RootHash
	}
	if w.PrevAltRef != nil {
		block.PrevAltID = w.PrevAltRef.RootHash
	}

	for _, ab := range w.AccountBlocks {
		account, err := ParseAccount(ab.AccountAddr)
		if err != nil {
			return Block{}, fmt.Errorf("block %s: %w", w.ID, err)
		}
		block.Accounts = append(block.Accounts, account)
	}

	return block, nil
}

func (JSONDecoder) DecodeBlocks(raw json.RawMessage) ([]Block, error) {
	var wire []wireBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}

	blocks := make([]Block, 0, len(wire))
	for _, w := range wire {
		block, err := w.block()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

type wireTransaction struct {
	ID          TransactionID `json:"id"`
	AccountAddr string        `json:"account_addr"`
	BlockID     BlockID       `json:"block_id"`
	LT          FlexUint64    `json:"lt"`
	Now         uint32        `json:"now"`
	InMsg       MessageID     `json:"in_msg"`
	OutMsgs     []MessageID   `json:"out_msgs"`
	Aborted     bool          `json:"aborted"`
}

func (JSONDecoder) DecodeTransactions(raw json.RawMessage) ([]Transaction, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}

	txs := make([]Transaction, 0, len(records))
	for _, record := range records {
		var w wireTransaction
		if err := json.Unmarshal(record, &w); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}

		account, err := ParseAccount(w.AccountAddr)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", w.ID, err)
		}

		txs = append(txs, Transaction{
			ID:          w.ID,
			Account:     account,
			BlockID:     w.BlockID,
			LT:          uint64(w.LT),
			Now:         w.Now,
			InMessage:   w.InMsg,
			OutMessages: w.OutMsgs,
			Aborted:     w.Aborted,
			Raw:         bytes.Clone(record),
		})
	}
	return txs, nil
}

type wireMessage struct {
	ID        MessageID  `json:"id"`
	Src       string     `json:"src"`
	Dst       string     `json:"dst"`
	CreatedLT FlexUint64 `json:"created_lt"`
	Boc       string     `json:"boc"`
}

func (JSONDecoder) DecodeMessages(raw json.RawMessage) ([]Message, error) {
	var wire []wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, Message{
			ID:          w.ID,
			Source:      w.Src,
			Destination: w.Dst,
			CreatedLT:   uint64(w.CreatedLT),
			Boc:         w.Boc,
		})
	}
	return msgs, nil
}

// FlexUint64 decodes a 64-bit unsigned integer sent either as a JSON number
// or as a string, decimal or "0x" prefixed hex. Logical times exceed the
// precision of JSON numbers in some clients, so servers send both forms.
type FlexUint64 uint64

func (f *FlexUint64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}

	var (
		v   uint64
		err error
	)
	if hexPart, ok := strings.CutPrefix(s, "0x"); ok {
		v, err = strconv.ParseUint(hexPart, 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("invalid uint64 %s: %w", data, err)
	}

	*f = FlexUint64(v)
	return nil
}
