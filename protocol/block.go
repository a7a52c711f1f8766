package protocol

import "fmt"

// BlockID is the root hash of a block, hex encoded.
type BlockID string

// BlockRef is the linkage-level view of a block: enough to follow a shard
// lineage forward (children) and backward (parents) through splits and merges.
type BlockRef struct {
	ID    BlockID `json:"id"`
	Shard Shard   `json:"-"`
	SeqNo uint32  `json:"seq_no"`

	// GenUtime is the block generation time, in network seconds.
	GenUtime uint32 `json:"gen_utime"`

	// PrevID is the parent block. It is empty for the first block of a workchain.
	PrevID BlockID `json:"prev_id,omitempty"`

	// PrevAltID is the second parent of a block produced by a shard merge.
	PrevAltID BlockID `json:"prev_alt_id,omitempty"`

	// AfterSplit is set on both first blocks of the two halves of a split shard.
	AfterSplit bool `json:"after_split,omitempty"`

	// AfterMerge is set on the first block of a shard produced by a merge.
	AfterMerge bool `json:"after_merge,omitempty"`

	// BeforeSplit is set on the last block of a shard before it splits.
	BeforeSplit bool `json:"before_split,omitempty"`
}

// IsZero reports whether r refers to no block, e.g. the position before genesis.
func (r BlockRef) IsZero() bool {
	return r.ID == ""
}

// IsGenesis reports whether r has no parent.
func (r BlockRef) IsGenesis() bool {
	return !r.IsZero() && r.PrevID == ""
}

// HasParent reports whether id is one of r's parents.
func (r BlockRef) HasParent(id BlockID) bool {
	if id == "" {
		return false
	}
	return r.PrevID == id || r.PrevAltID == id
}

// Parents returns r's parent ids: none, one, or two after a merge.
func (r BlockRef) Parents() []BlockID {
	switch {
	case r.PrevID == "":
		return nil
	case r.PrevAltID == "":
		return []BlockID{r.PrevID}
	default:
		return []BlockID{r.PrevID, r.PrevAltID}
	}
}

func (r BlockRef) String() string {
	if r.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d(%s)", r.Shard, r.SeqNo, r.ID)
}

// InMsgDescr links an inbound message to the transaction of the block which consumed it.
type InMsgDescr struct {
	MessageID     MessageID     `json:"msg_id"`
	TransactionID TransactionID `json:"transaction_id"`
}

// Block is a block record as returned by the data service.
type Block struct {
	BlockRef

	// InMessages lists the messages consumed by the block's transactions.
	InMessages []InMsgDescr `json:"in_msg_descr,omitempty"`

	// TransactionCount is the number of transactions in the block.
	TransactionCount int `json:"tr_count,omitempty"`

	// Accounts lists the accounts which have transactions in the block.
	Accounts []Account `json:"-"`
}

// FindInMessage returns the transaction which consumed the message, if any.
func (b Block) FindInMessage(id MessageID) (TransactionID, bool) {
	for _, descr := range b.InMessages {
		if descr.MessageID == id {
			return descr.TransactionID, true
		}
	}
	return "", false
}

// TouchesAccount reports whether the block has a transaction of the account.
func (b Block) TouchesAccount(account Account) bool {
	for _, a := range b.Accounts {
		if a == account {
			return true
		}
	}
	return false
}
