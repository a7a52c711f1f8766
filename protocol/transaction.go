package protocol

// TransactionID is the hash of a transaction, hex encoded.
type TransactionID string

// MessageID is the hash of a message, hex encoded.
type MessageID string

// Transaction is a transaction record with its message-consumption linkage.
type Transaction struct {
	ID      TransactionID `json:"id"`
	Account Account       `json:"-"`
	BlockID BlockID       `json:"block_id"`

	// LT is the logical time of the transaction; it orders transactions within a block.
	LT uint64 `json:"lt"`

	// Now is the transaction time, in network seconds.
	Now uint32 `json:"now"`

	// InMessage is the message consumed by the transaction. Empty for tick-tock transactions.
	InMessage MessageID `json:"in_msg,omitempty"`

	// OutMessages are the messages produced by the transaction.
	OutMessages []MessageID `json:"out_msgs,omitempty"`

	Aborted bool `json:"aborted"`

	// Raw is the record as returned by the data service, kept for collaborators
	// (e.g. an ABI decoder) which need fields the core does not interpret.
	Raw []byte `json:"-"`
}

// Consumed reports whether the transaction consumed the message.
func (t Transaction) Consumed(id MessageID) bool {
	return id != "" && t.InMessage == id
}

// Message is a message record, as needed to return a confirmed transaction's produced messages.
type Message struct {
	ID          MessageID `json:"id"`
	Source      string    `json:"src,omitempty"`
	Destination string    `json:"dst,omitempty"`
	CreatedLT   uint64    `json:"created_lt"`
	Boc         string    `json:"boc,omitempty"`
}
