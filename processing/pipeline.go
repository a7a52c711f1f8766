// Package processing sends external messages and waits for the transaction
// consuming them, or for their expiration.
//
// Confirmation walks forward the blocks of the destination account's shard,
// starting after the last block known when the message was submitted:
//   - a block consuming the message confirms it
//   - a block produced after the message expiration expires it
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pokt-network/poktroll/pkg/polylog"
	"github.com/pokt-network/poktroll/pkg/retry"
	"golang.org/x/time/rate"

	"github.com/buildwithgrove/shardline/iterator"
	"github.com/buildwithgrove/shardline/log"
	"github.com/buildwithgrove/shardline/network/concurrency"
	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/protocol"
)

const componentNamePipeline = "message-pipeline"

// Network sends requests to the data service. It is implemented by gateway.EndpointManager.
type Network interface {
	Execute(ctx context.Context, request protocol.Request) (protocol.Response, error)
	// NetworkTime is the freshest block time known, in seconds. Zero when unknown.
	NetworkTime() uint32
}

// Source is where confirmations are looked for. It is implemented by iterator.NetworkSource.
type Source interface {
	iterator.BlockSource
	Messages(ctx context.Context, ids []protocol.MessageID) ([]protocol.Message, error)
}

// Pipeline submits messages and waits for their outcome.
// Submissions of different messages may run concurrently.
type Pipeline struct {
	logger   polylog.Logger
	config   Config
	network  Network
	source   Source
	reporter observation.Reporter

	inflightMu sync.Mutex
	inflight   map[protocol.MessageID]struct{}
}

func NewPipeline(
	logger polylog.Logger,
	config Config,
	network Network,
	source Source,
	reporter observation.Reporter,
) (*Pipeline, error) {
	config.HydrateDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = observation.NoopReporter{}
	}

	return &Pipeline{
		logger:   logger.With("component", componentNamePipeline),
		config:   config,
		network:  network,
		source:   source,
		reporter: reporter,
		inflight: make(map[protocol.MessageID]struct{}),
	}, nil
}

// CallOption configures one submission.
type CallOption func(*callOptions)

type callOptions struct {
	handler EventHandler
}

// WithEventHandler delivers the submission's events to handler.
func WithEventHandler(handler EventHandler) CallOption {
	return func(o *callOptions) { o.handler = handler }
}

// FindLastShardBlock returns the latest block of the shard holding the account.
func (p *Pipeline) FindLastShardBlock(ctx context.Context, account protocol.Account) (protocol.BlockRef, error) {
	latest, err := p.source.LatestBlocks(ctx, account.Workchain)
	if err != nil {
		return protocol.BlockRef{}, err
	}
	for _, block := range latest {
		if block.Shard.ContainsAccount(account) {
			return block.BlockRef, nil
		}
	}
	return protocol.BlockRef{}, fmt.Errorf("%w: no current shard holds account %s", protocol.ErrIteratorDesync, account)
}

// SubmitAndConfirm sends the message and waits for its outcome.
//
// Network failures end as an Outcome. An error is returned only when no
// outcome applies: an invalid message, a message already being submitted,
// a cancelled ctx, or a chain history the source no longer has.
func (p *Pipeline) SubmitAndConfirm(ctx context.Context, msg EncodedMessage, opts ...CallOption) (Outcome, error) {
	if err := msg.validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", protocol.ErrProgrammingMisuse, err)
	}
	if !p.acquire(msg.ID) {
		return Outcome{}, fmt.Errorf("%w: message %s is already being submitted", protocol.ErrProgrammingMisuse, msg.ID)
	}
	defer p.release(msg.ID)

	o := callOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := p.logger.With(
		"method", "SubmitAndConfirm",
		"message_id", string(msg.ID),
		"destination", msg.Destination.String(),
	)
	events := newDispatcher(logger, o.handler)
	defer events.close()

	s := &submission{
		pipeline: p,
		logger:   logger,
		events:   events,
		machine:  newMessageFSM(),
		pending: &PendingMessage{
			ID:          msg.ID,
			Destination: msg.Destination,
			Expiration:  msg.Expiration,
			SubmittedAt: time.Now(),
		},
	}

	outcome, err := s.run(ctx, msg)
	p.publish(s, outcome, err)
	return outcome, err
}

func (p *Pipeline) acquire(id protocol.MessageID) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id protocol.MessageID) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, id)
}

func (p *Pipeline) publish(s *submission, outcome Outcome, err error) {
	obs := &observation.ProcessingObservation{
		MessageID:      string(s.pending.ID),
		Destination:    s.pending.Destination.String(),
		Expiration:     s.pending.Expiration,
		Outcome:        outcome.Kind.String(),
		SendAttempts:   s.sendAttempts,
		BlocksObserved: s.blocksObserved,
		Duration:       time.Since(s.pending.SubmittedAt),
		LastBlockID:    string(outcome.LastBlock.ID),
		LastBlockTime:  outcome.LastBlock.GenUtime,
	}
	if outcome.Transaction != nil {
		obs.TransactionID = string(outcome.Transaction.ID)
	}
	switch {
	case err != nil:
		obs.Outcome = "error"
		obs.ErrorMessage = err.Error()
	case outcome.Err != nil:
		obs.ErrorMessage = outcome.Err.Error()
	}
	p.reporter.Publish(&observation.Observations{Processing: obs})
}

/* -------------------- Submission -------------------- */

// submission is one message going through its state machine.
type submission struct {
	pipeline *Pipeline
	logger   polylog.Logger
	events   *dispatcher
	machine  *fsm.FSM
	pending  *PendingMessage

	sendAttempts   int
	blocksObserved int
}

func (s *submission) run(ctx context.Context, msg EncodedMessage) (Outcome, error) {
	s.events.dispatch(Event{Kind: EventWillFetchFirstBlock, MessageID: msg.ID})
	shardBlock, err := s.pipeline.FindLastShardBlock(ctx, msg.Destination)
	if err != nil {
		return s.fail(ctx, "find shard block", err)
	}
	s.pending.ShardBlock = shardBlock

	s.events.dispatch(Event{Kind: EventWillSend, MessageID: msg.ID, Block: shardBlock})
	if err := s.send(ctx, msg); err != nil {
		s.events.dispatch(Event{Kind: EventSendFailed, MessageID: msg.ID, Err: err})
		return s.fail(ctx, "send", err)
	}
	s.pending.Sent = true
	if err := transition(ctx, s.machine, eventSend); err != nil {
		return Outcome{}, err
	}
	s.events.dispatch(Event{Kind: EventDidSend, MessageID: msg.ID})

	if err := transition(ctx, s.machine, eventWait); err != nil {
		return Outcome{}, err
	}
	return s.confirm(ctx)
}

// send posts the message, resending it on transport failures.
func (s *submission) send(ctx context.Context, msg EncodedMessage) error {
	config := s.pipeline.config
	request := protocol.Request{
		Kind:       protocol.OperationMutation,
		Collection: protocol.MutationPostRequests,
		Args: map[string]any{
			"requests": []map[string]any{{
				"id":       msg.ID,
				"body":     msg.Body,
				"expireAt": int64(msg.Expiration) * 1000,
			}},
		},
	}

	s.logger.Debug().Str("body_preview", log.Preview(msg.Body)).Uint64("expiration", uint64(msg.Expiration)).Msg("sending message")

	var lastErr error
	work := func() (protocol.Response, error) {
		s.sendAttempts++
		resp, err := s.pipeline.network.Execute(ctx, request)
		if err == nil {
			_, err = resp.Collection(protocol.MutationPostRequests)
		}
		lastErr = err
		return resp, err
	}

	backoff := concurrency.ExponentialBackoff(ctx, config.SendRetries, config.SendBackoff, maxSendBackoff)
	_, err := retry.Call(work, func(retryCount int) bool {
		if ctx.Err() != nil || !resendable(lastErr) {
			return false
		}
		s.logger.Debug().Err(lastErr).Int("retry", retryCount+1).Msg("resending message")
		return backoff(retryCount)
	})
	return err
}

// resendable reports whether sending again may succeed.
func resendable(err error) bool {
	return protocol.IsRetryable(err) || errors.Is(err, protocol.ErrNoReachableEndpoint)
}

// confirm walks the destination shard until the message is consumed or expired.
func (s *submission) confirm(ctx context.Context) (Outcome, error) {
	config := s.pipeline.config
	waitCtx, cancel := context.WithTimeout(ctx, config.WaitTimeout)
	defer cancel()

	it, err := iterator.OpenBlocks(
		s.pipeline.source,
		iterator.StartAfter(s.pending.ShardBlock),
		iterator.AccountFilter(s.pending.Destination),
		iterator.Forward,
		iterator.WithLogger(s.logger),
	)
	if err != nil {
		return s.fail(ctx, "confirm", err)
	}
	defer it.Close()

	poll := rate.NewLimiter(rate.Every(config.BlockPollInterval), 1)
	last := s.pending.ShardBlock

	for {
		blocks, err := it.Next(waitCtx, 1)
		if err != nil {
			return s.waitFailed(ctx, waitCtx, last, err)
		}

		if len(blocks) == 0 {
			if err := poll.Wait(waitCtx); err != nil {
				// The limiter refuses waits ending past the deadline.
				<-waitCtx.Done()
				return s.waitFailed(ctx, waitCtx, last, err)
			}
			continue
		}

		block := blocks[0]
		last = block.BlockRef
		s.blocksObserved++
		s.events.dispatch(Event{Kind: EventBlockObserved, MessageID: s.pending.ID, Block: block.BlockRef})

		if txID, found := block.FindInMessage(s.pending.ID); found {
			return s.confirmed(ctx, waitCtx, block, txID)
		}

		if block.GenUtime > s.pending.Expiration {
			if err := transition(ctx, s.machine, eventExpire); err != nil {
				return Outcome{}, err
			}
			s.events.dispatch(Event{Kind: EventMessageExpired, MessageID: s.pending.ID, Block: block.BlockRef})
			s.logger.Info().
				Uint64("expiration", uint64(s.pending.Expiration)).
				Uint64("block_time", uint64(block.GenUtime)).
				Msg("message expired")
			return Outcome{Kind: OutcomeExpired, MessageID: s.pending.ID, LastBlock: block.BlockRef}, nil
		}
	}
}

// confirmed fetches the transaction which consumed the message, and the messages it produced.
func (s *submission) confirmed(ctx, waitCtx context.Context, block protocol.Block, txID protocol.TransactionID) (Outcome, error) {
	txs, err := s.pipeline.source.Transactions(waitCtx, block.ID)
	if err != nil {
		return s.waitFailed(ctx, waitCtx, block.BlockRef, err)
	}
	i := slices.IndexFunc(txs, func(tx protocol.Transaction) bool { return tx.ID == txID })
	if i < 0 {
		err := fmt.Errorf("%w: transaction %s of block %s not found", protocol.ErrIteratorDesync, txID, block.ID)
		return s.waitFailed(ctx, waitCtx, block.BlockRef, err)
	}
	tx := txs[i]

	outMessages, err := s.pipeline.source.Messages(waitCtx, tx.OutMessages)
	if err != nil {
		return s.waitFailed(ctx, waitCtx, block.BlockRef, err)
	}

	if err := transition(ctx, s.machine, eventConfirm); err != nil {
		return Outcome{}, err
	}
	s.events.dispatch(Event{Kind: EventMessageConfirmed, MessageID: s.pending.ID, Block: block.BlockRef})
	s.logger.Info().Str("transaction_id", string(tx.ID)).Str("block_id", string(block.ID)).Msg("message confirmed")

	return Outcome{
		Kind:        OutcomeConfirmed,
		MessageID:   s.pending.ID,
		Transaction: &tx,
		OutMessages: outMessages,
		LastBlock:   block.BlockRef,
	}, nil
}

// waitFailed turns a failure while waiting into an outcome.
// Reaching the wait timeout is a transport failure: the message fate is unknown.
func (s *submission) waitFailed(ctx, waitCtx context.Context, last protocol.BlockRef, err error) (Outcome, error) {
	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w after %s", protocol.ErrTransport, ErrWaitTimeout, s.pipeline.config.WaitTimeout)
	}

	outcome, failErr := s.fail(ctx, "confirm", err)
	outcome.LastBlock = last
	if opErr, ok := outcome.Err.(*protocol.OperationError); ok {
		opErr.LastBlock = last.ID
	}
	return outcome, failErr
}

// fail ends the submission in the failed state.
func (s *submission) fail(ctx context.Context, op string, err error) (Outcome, error) {
	s.logger.Warn().Err(err).Str("state", s.machine.Current()).Msgf("message %s failed", op)
	if trErr := transition(ctx, s.machine, eventFail); trErr != nil {
		return Outcome{}, trErr
	}

	opErr := &protocol.OperationError{
		Op:        op,
		MessageID: s.pending.ID,
		Err:       err,
	}
	var inner *protocol.OperationError
	if errors.As(err, &inner) {
		opErr.Endpoint = inner.Endpoint
	}

	switch {
	case ctx.Err() != nil:
		return Outcome{}, fmt.Errorf("%s message %s: %w", op, s.pending.ID, ctx.Err())
	case errors.Is(err, protocol.ErrServerRejected):
		return Outcome{Kind: OutcomeServerRejected, MessageID: s.pending.ID, Err: opErr}, nil
	case errors.Is(err, protocol.ErrIteratorDesync), errors.Is(err, protocol.ErrProgrammingMisuse):
		return Outcome{}, opErr
	default:
		return Outcome{Kind: OutcomeTransportFailure, MessageID: s.pending.ID, Err: opErr}, nil
	}
}

/* -------------------- Process -------------------- */

// Process encodes the payload into a message, submits it and waits for its outcome.
// An expired message is encoded again with a longer validity window and
// submitted again, up to message_retries_count times.
func (p *Pipeline) Process(ctx context.Context, encoder MessageEncoder, payload json.RawMessage, opts ...CallOption) (Outcome, error) {
	timeout := p.config.MessageExpirationTimeout
	for attempt := 0; ; attempt++ {
		header := Header{
			Time:       time.Now(),
			Expiration: p.networkNow() + uint32(timeout.Seconds()),
		}

		msg, err := encoder.Encode(ctx, payload, header)
		if err != nil {
			return Outcome{}, fmt.Errorf("encode message: %w", err)
		}

		outcome, err := p.SubmitAndConfirm(ctx, msg, opts...)
		if err != nil || outcome.Kind != OutcomeExpired || attempt >= p.config.MessageRetriesCount {
			return outcome, err
		}

		p.logger.With("method", "Process").Info().
			Str("message_id", string(msg.ID)).
			Int("attempt", attempt+1).
			Msg("message expired, submitting it again")
		timeout = time.Duration(float64(timeout) * p.config.ExpirationTimeoutGrowFactor)
	}
}

// networkNow is the network time in seconds, or the local clock before any network time is known.
func (p *Pipeline) networkNow() uint32 {
	if now := p.network.NetworkTime(); now > 0 {
		return now
	}
	return uint32(time.Now().Unix())
}
