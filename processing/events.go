package processing

import (
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/protocol"
)

// eventBufferSize is the number of events queued for a handler before new ones are dropped.
const eventBufferSize = 64

// EventKind names a step of a submission.
type EventKind string

const (
	EventWillFetchFirstBlock EventKind = "will_fetch_first_block"
	EventWillSend            EventKind = "will_send"
	EventDidSend             EventKind = "did_send"
	EventSendFailed          EventKind = "send_failed"
	EventBlockObserved       EventKind = "block_observed"
	EventMessageConfirmed    EventKind = "message_confirmed"
	EventMessageExpired      EventKind = "message_expired"
)

// Event reports the progress of a submission. Events are advisory: a slow
// handler misses events, it never delays nor changes the outcome.
type Event struct {
	Kind      EventKind
	MessageID protocol.MessageID
	// Block is the block the event is about, if any.
	Block protocol.BlockRef
	Err   error
	Time  time.Time
}

// EventHandler receives the events of a submission, in order, on a dedicated goroutine.
type EventHandler func(Event)

// dispatcher delivers events to a handler without blocking the pipeline.
type dispatcher struct {
	logger polylog.Logger
	events chan Event
}

// newDispatcher returns nil when there is no handler; a nil dispatcher drops every event.
func newDispatcher(logger polylog.Logger, handler EventHandler) *dispatcher {
	if handler == nil {
		return nil
	}

	d := &dispatcher{
		logger: logger,
		events: make(chan Event, eventBufferSize),
	}
	go func() {
		for event := range d.events {
			handler(event)
		}
	}()
	return d
}

func (d *dispatcher) dispatch(event Event) {
	if d == nil {
		return
	}
	event.Time = time.Now()
	select {
	case d.events <- event:
	default:
		d.logger.Debug().Str("event", string(event.Kind)).Msg("event handler is behind, dropping event")
	}
}

// close lets the handler goroutine end once the queued events are delivered.
func (d *dispatcher) close() {
	if d == nil {
		return
	}
	close(d.events)
}
