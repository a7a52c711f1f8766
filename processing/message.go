package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildwithgrove/shardline/protocol"
)

// EncodedMessage is a signed external message, ready to be sent.
type EncodedMessage struct {
	ID          protocol.MessageID
	Destination protocol.Account

	// Body is the serialized message, base64 encoded.
	Body string

	// Expiration is the network time, in seconds, after which the message can no longer be processed.
	Expiration uint32
}

func (m EncodedMessage) validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case m.Body == "":
		return fmt.Errorf("%w: message %s has no body", ErrInvalidMessage, m.ID)
	case m.Destination.IsZero():
		return fmt.Errorf("%w: message %s has no destination", ErrInvalidMessage, m.ID)
	case m.Expiration == 0:
		return fmt.Errorf("%w: message %s has no expiration", ErrInvalidMessage, m.ID)
	}
	return nil
}

// Header holds the message fields chosen by the pipeline.
type Header struct {
	// Time is the creation time of the message.
	Time time.Time
	// Expiration is the network time, in seconds, the message must be processed by.
	Expiration uint32
}

// MessageEncoder builds and signs messages. The encoding (ABI, signing keys) is not the pipeline's concern.
type MessageEncoder interface {
	Encode(ctx context.Context, payload json.RawMessage, header Header) (EncodedMessage, error)
}

// MessageEncoderFunc adapts a function to the MessageEncoder interface.
type MessageEncoderFunc func(ctx context.Context, payload json.RawMessage, header Header) (EncodedMessage, error)

func (f MessageEncoderFunc) Encode(ctx context.Context, payload json.RawMessage, header Header) (EncodedMessage, error) {
	return f(ctx, payload, header)
}

// PendingMessage is a message between its submission and its outcome.
type PendingMessage struct {
	ID          protocol.MessageID
	Destination protocol.Account
	Expiration  uint32
	SubmittedAt time.Time
	Sent        bool

	// ShardBlock is the last block of the destination's shard when the message was submitted.
	// Confirmation looks for the message in the blocks after it.
	ShardBlock protocol.BlockRef
}

/* -------------------- Outcome -------------------- */

// OutcomeKind is the terminal result of a submission.
type OutcomeKind int

const (
	// The message was consumed by a transaction.
	OutcomeConfirmed OutcomeKind = iota + 1
	// A block past the message expiration was produced without the message.
	OutcomeExpired
	// The message could not be sent, or its fate could not be observed.
	OutcomeTransportFailure
	// The network refused the message.
	OutcomeServerRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeExpired:
		return "expired"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeServerRejected:
		return "server_rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of SubmitAndConfirm.
type Outcome struct {
	Kind      OutcomeKind
	MessageID protocol.MessageID

	// Transaction and OutMessages are set when the message was confirmed.
	Transaction *protocol.Transaction
	OutMessages []protocol.Message

	// LastBlock is the last block observed while waiting for the message.
	LastBlock protocol.BlockRef

	// Err is set on transport failures and rejections, as a *protocol.OperationError.
	Err error
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeConfirmed:
		return fmt.Sprintf("message %s confirmed by transaction %s", o.MessageID, o.Transaction.ID)
	case OutcomeExpired:
		return fmt.Sprintf("message %s expired, last block %s", o.MessageID, o.LastBlock)
	default:
		return fmt.Sprintf("message %s %s: %v", o.MessageID, o.Kind, o.Err)
	}
}
