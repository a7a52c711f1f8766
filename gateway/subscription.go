package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pokt-network/poktroll/pkg/polylog"
	"github.com/pokt-network/poktroll/pkg/retry"
	"golang.org/x/time/rate"

	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/protocol"
)

// EventKind is the kind of an event delivered by a Subscription.
type EventKind int

const (
	// EventRecord carries one pushed record.
	EventRecord EventKind = iota

	// EventGap reports the stream was re-opened without a resume marker:
	// records pushed while it was disconnected were not delivered.
	// The caller reconciles the gap, e.g. by catching up with an iterator.
	EventGap
)

func (k EventKind) String() string {
	if k == EventGap {
		return "gap"
	}
	return "record"
}

type Event struct {
	Kind     EventKind
	Record   json.RawMessage
	Endpoint protocol.EndpointAddr
}

// Subscription is a long-lived push stream which survives endpoint failures.
//
// A single goroutine owns the underlying stream. It re-opens it on the active
// endpoint whenever it ends, resuming past the last delivered record when the
// topic has a resume field. Close stops the goroutine and waits for it to
// release the stream.
type Subscription struct {
	manager *EndpointManager
	logger  polylog.Logger
	topic   protocol.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	events chan Event

	// Only accessed by the owning goroutine once it is started.
	marker    json.RawMessage
	delivered *lru.Cache[string, struct{}]
	pacing    *rate.Limiter

	streamMu sync.Mutex
	stream   Stream

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Subscribe opens a subscription on the active endpoint.
// The first stream is opened before returning, with the retry policy of Execute.
func (m *EndpointManager) Subscribe(ctx context.Context, topic protocol.Subscription) (*Subscription, error) {
	if err := m.checkSuspended(); err != nil {
		return nil, err
	}
	if m.dialer == nil {
		return nil, fmt.Errorf("%w: no stream dialer configured", ErrInvalidNetworkConfig)
	}
	if topic.Collection == "" || topic.Result == "" {
		return nil, fmt.Errorf("%w: subscription needs a collection and result fields", protocol.ErrProgrammingMisuse)
	}

	delivered, err := lru.New[string, struct{}](m.config.Subscription.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNetworkConfig, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		manager:   m,
		logger:    m.logger.With("component", "subscription", "collection", topic.Collection),
		topic:     topic,
		ctx:       subCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		events:    make(chan Event),
		delivered: delivered,
		pacing:    rate.NewLimiter(rate.Every(m.config.Subscription.ReconnectDelay), 1),
	}

	var (
		lastErr  error
		endpoint protocol.EndpointAddr
	)
	stream, err := retry.Call(func() (Stream, error) {
		var s Stream
		s, endpoint, lastErr = sub.open()
		return s, lastErr
	}, m.retryStrategy(subCtx, &lastErr))
	if err != nil {
		cancel()
		return nil, &protocol.OperationError{
			Op:       "subscribe " + topic.Collection,
			Endpoint: endpoint,
			Err:      err,
		}
	}

	m.register(sub)
	sub.publish(endpoint, observation.SubscriptionConnected)
	go sub.run(stream, endpoint)

	return sub, nil
}

// Events returns the delivered events. The channel is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns why the subscription ended. It is nil while running, and after Close.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops the subscription and waits until its stream is released.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.interrupt()
		<-s.done
	})
}

// interrupt closes the current stream, if any. The owning goroutine then
// either reconnects or, once the subscription is closed, returns.
func (s *Subscription) interrupt() {
	s.streamMu.Lock()
	stream := s.stream
	s.streamMu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}

func (s *Subscription) setStream(stream Stream) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.stream = stream
}

func (s *Subscription) open() (Stream, protocol.EndpointAddr, error) {
	endpoint, err := s.manager.Resolve(s.ctx)
	if err != nil {
		return nil, "", err
	}

	stream, err := s.manager.dialer.Open(s.ctx, endpoint.Addr, s.topic.Request(s.marker))
	if err != nil {
		if protocol.IsRetryable(err) && s.ctx.Err() == nil {
			s.manager.store.RecordFailure(endpoint.Addr, err)
		}
		return nil, endpoint.Addr, err
	}
	s.setStream(stream)

	// Suspend may have run between Resolve and setStream.
	if err := s.manager.checkSuspended(); err != nil {
		s.setStream(nil)
		_ = stream.Close()
		return nil, endpoint.Addr, err
	}
	return stream, endpoint.Addr, nil
}

func (s *Subscription) run(stream Stream, endpoint protocol.EndpointAddr) {
	defer close(s.done)
	defer close(s.events)
	defer s.manager.unregister(s)

	for {
		s.consume(stream, endpoint)

		streamErr := stream.Err()
		s.setStream(nil)
		_ = stream.Close()

		if s.ctx.Err() != nil {
			return
		}

		s.publish(endpoint, observation.SubscriptionDisconnect)
		s.logger.Info().Err(streamErr).Str("endpoint_addr", string(endpoint)).Msg("subscription stream ended: reconnecting")

		var err error
		stream, endpoint, err = s.reconnect()
		if err != nil {
			s.fail(err)
			return
		}
		if stream == nil {
			return
		}
		s.publish(endpoint, observation.SubscriptionReconnect)

		if s.topic.ResumeField == "" || len(s.marker) == 0 {
			s.publish(endpoint, observation.SubscriptionGap)
			if !s.emit(Event{Kind: EventGap, Endpoint: endpoint}) {
				continue
			}
		}
	}
}

// reconnect re-opens the stream, paced by reconnect_delay.
// It returns an error once max_reconnect_attempts consecutive attempts failed,
// and a nil stream only if the subscription was closed.
func (s *Subscription) reconnect() (Stream, protocol.EndpointAddr, error) {
	maxAttempts := s.manager.config.Subscription.MaxReconnectAttempts

	for failures := 0; ; {
		select {
		case <-s.manager.resumedChan():
		case <-s.ctx.Done():
			return nil, "", nil
		}
		if err := s.pacing.Wait(s.ctx); err != nil {
			return nil, "", nil
		}

		stream, endpoint, err := s.open()
		if err == nil {
			return stream, endpoint, nil
		}
		if s.ctx.Err() != nil {
			return nil, "", nil
		}
		if errors.Is(err, protocol.ErrSuspended) {
			continue
		}

		failures++
		s.logger.Warn().Err(err).Int("failures", failures).Msg("subscription reconnect failed")
		if maxAttempts != unlimitedReconnects && failures >= maxAttempts {
			return nil, endpoint, fmt.Errorf("%w: %w", ErrSubscriptionReconnectExhausted, err)
		}
	}
}

// consume delivers the records of stream until it ends or the subscription is closed.
func (s *Subscription) consume(stream Stream, endpoint protocol.EndpointAddr) {
	records := stream.Records()
	for {
		select {
		case record, ok := <-records:
			if !ok {
				return
			}
			if !s.deliver(record, endpoint) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// deliver forwards a record unless it was already delivered, and advances the resume marker.
func (s *Subscription) deliver(record json.RawMessage, endpoint protocol.EndpointAddr) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		s.logger.Warn().Err(err).Msg("record is not a JSON object: delivered without de-duplication")
		return s.emit(Event{Kind: EventRecord, Record: record, Endpoint: endpoint})
	}

	if s.topic.IDField != "" {
		if id, ok := fields[s.topic.IDField]; ok {
			key := string(id)
			if s.delivered.Contains(key) {
				s.publish(endpoint, observation.SubscriptionDuplicate)
				return true
			}
			s.delivered.Add(key, struct{}{})
		}
	}

	if s.topic.ResumeField != "" {
		if marker, ok := fields[s.topic.ResumeField]; ok {
			s.marker = bytes.Clone(marker)
		}
	}

	return s.emit(Event{Kind: EventRecord, Record: record, Endpoint: endpoint})
}

func (s *Subscription) emit(event Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Subscription) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
		s.logger.Error().Err(err).Msg("subscription ended")
	}
}

func (s *Subscription) publish(endpoint protocol.EndpointAddr, event observation.SubscriptionEvent) {
	s.manager.reporter.Publish(&observation.Observations{
		Subscriptions: []observation.SubscriptionObservation{{
			Collection:   s.topic.Collection,
			EndpointAddr: string(endpoint),
			Event:        event,
		}},
	})
}
