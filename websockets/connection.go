package websockets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pokt-network/poktroll/pkg/polylog"
)

const (
	// Time allowed (in seconds) to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed (in seconds) to read the next message or pong from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period (in seconds).
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Stream is a single graphql-ws subscription operation over its own websocket connection.
//
// Two goroutines own the connection while the stream is open:
//   - readLoop: reads server messages and forwards subscription records to Records().
//   - pingLoop: sends keep-alive pings and drops the connection if pongs stop.
//
// The records channel is closed when the stream ends; Err then reports why.
type Stream struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	logger polylog.Logger

	conn        *websocket.Conn
	operationID string
	collection  string

	records chan json.RawMessage

	errMu sync.Mutex
	err   error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newStream(
	logger polylog.Logger,
	conn *websocket.Conn,
	operationID string,
	collection string,
) *Stream {
	ctx, cancelCtx := context.WithCancel(context.Background())

	s := &Stream{
		ctx:         ctx,
		cancelCtx:   cancelCtx,
		logger:      logger.With("operation_id", operationID, "collection", collection),
		conn:        conn,
		operationID: operationID,
		collection:  collection,
		records:     make(chan json.RawMessage),
	}

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set initial read deadline")
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	return s
}

// Records returns the records pushed by the server, as found under data.<collection>.
// The channel is closed when the stream ends.
func (s *Stream) Records() <-chan json.RawMessage {
	return s.records
}

// Err returns the reason the stream ended, or nil while it is open or after Close.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops the subscription operation, closes the connection,
// and waits for the stream goroutines to release it.
func (s *Stream) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancelCtx()

		// Best effort: the server may already be gone.
		deadline := time.Now().Add(writeWait)
		_ = s.conn.SetWriteDeadline(deadline)
		_ = s.conn.WriteJSON(operationMessage{ID: s.operationID, Type: msgStop})
		_ = s.conn.WriteJSON(operationMessage{Type: msgConnectionTerminate})
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)

		closeErr = s.conn.Close()
		s.wg.Wait()
		s.logger.Debug().Msg("stream closed")
	})
	return closeErr
}

// readLoop reads messages from the websocket connection and forwards subscription records.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.records)
	defer s.cancelCtx()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrStreamConnectionFailed, err))
			return
		}

		var msg operationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed graphql-ws message")
			continue
		}

		switch msg.Type {
		case msgConnectionKeepAlive:
			if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
				s.logger.Error().Err(err).Msg("failed to extend read deadline on keep-alive")
			}

		case msgData:
			record, err := s.extractRecord(msg.Payload)
			if err != nil {
				s.fail(err)
				return
			}
			if record == nil {
				continue
			}

			select {
			case s.records <- record:
			case <-s.ctx.Done():
				return
			}

		case msgError:
			s.fail(fmt.Errorf("%w: %s", ErrStreamOperationFailed, string(msg.Payload)))
			return

		case msgComplete:
			s.fail(ErrStreamCompleted)
			return

		case msgConnectionError:
			s.fail(fmt.Errorf("%w: %s", ErrStreamConnectionFailed, string(msg.Payload)))
			return

		default:
			s.logger.Debug().Str("type", msg.Type).Msg("ignoring graphql-ws message")
		}
	}
}

func (s *Stream) extractRecord(payload json.RawMessage) (json.RawMessage, error) {
	var data dataPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed data payload: %v", ErrStreamOperationFailed, err)
	}
	if len(data.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrStreamOperationFailed, data.Errors[0].Message)
	}

	record, found := data.Data[s.collection]
	if !found || string(record) == "null" {
		return nil, nil
	}
	return record, nil
}

// pingLoop sends keep-alive ping messages to the connection.
// If a pong (or any other message) is not received within pongWait, the
// read deadline expires and readLoop ends the stream.
// See: https://pkg.go.dev/github.com/gorilla/websocket#hdr-Control_Messages
func (s *Stream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Warn().Err(err).Msg("failed to send ping to connection")
				s.fail(fmt.Errorf("%w: failed to send ping: %v", ErrStreamConnectionFailed, err))
				// Unblock readLoop.
				_ = s.conn.Close()
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// fail records the first error ending the stream, unless the stream was closed by its owner.
func (s *Stream) fail(err error) {
	if s.ctx.Err() != nil && !errors.Is(err, ErrStreamCompleted) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
		s.logger.Info().Err(err).Msg("stream ended")
	}
}
