// Package client assembles the endpoint manager, the block sources and the
// message pipeline from a ClientConfig.
package client

import (
	"context"
	"fmt"

	"github.com/pokt-network/poktroll/pkg/polylog"

	"github.com/buildwithgrove/shardline/config"
	"github.com/buildwithgrove/shardline/gateway"
	"github.com/buildwithgrove/shardline/iterator"
	shardhttp "github.com/buildwithgrove/shardline/network/http"
	"github.com/buildwithgrove/shardline/observation"
	"github.com/buildwithgrove/shardline/processing"
	"github.com/buildwithgrove/shardline/protocol"
)

// Client is a connected ledger client.
type Client struct {
	// Network is the endpoint manager every request goes through.
	Network *gateway.EndpointManager

	// Source reads blocks through a cache shared by every iterator of the client.
	Source *iterator.CachingSource

	// Pipeline submits messages and waits for their outcome.
	Pipeline *processing.Pipeline

	config       config.ClientConfig
	iteratorOpts []iterator.Option
	closers      []func()
}

type options struct {
	transport gateway.Transport
	dialer    gateway.StreamDialer
	reporter  observation.Reporter
}

// Option overrides a client dependency.
type Option func(*options)

// WithTransport replaces the GraphQL over HTTP transport.
func WithTransport(transport gateway.Transport) Option {
	return func(o *options) { o.transport = transport }
}

// WithDialer replaces the graphql-ws subscription dialer.
func WithDialer(dialer gateway.StreamDialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithReporter publishes the observations of every component, e.g. to Prometheus.
func WithReporter(reporter observation.Reporter) Option {
	return func(o *options) { o.reporter = reporter }
}

// New builds a client. The config is expected to be hydrated and validated,
// as done by config.LoadClientConfigFromYAML.
func New(logger polylog.Logger, cfg config.ClientConfig, opts ...Option) (*Client, error) {
	o := options{reporter: observation.NoopReporter{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{config: cfg}

	if o.transport == nil {
		httpClient := shardhttp.NewGraphQLClient(logger, cfg.Network.Headers)
		c.closers = append(c.closers, httpClient.Close)
		o.transport = httpClient
	}
	if o.dialer == nil {
		o.dialer = gateway.NewWebsocketDialer(logger, cfg.Network.Headers, cfg.Network.QueryTimeout)
	}

	network, err := gateway.NewEndpointManager(logger, cfg.Network, o.transport, o.dialer, o.reporter)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create endpoint manager: %w", err)
	}
	c.Network = network
	c.closers = append(c.closers, network.Close)

	networkSource := iterator.NewNetworkSource(network, nil)
	c.Source = iterator.NewCachingSource(networkSource, cfg.Iterator.BlockCacheSize)

	pipeline, err := processing.NewPipeline(
		logger,
		cfg.Processing,
		network,
		messageSource{CachingSource: c.Source, network: networkSource},
		o.reporter,
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create message pipeline: %w", err)
	}
	c.Pipeline = pipeline

	c.iteratorOpts = []iterator.Option{
		iterator.WithLogger(logger),
		iterator.WithReporter(o.reporter),
	}

	return c, nil
}

// BatchSize returns size, or the configured default batch size when size is not positive.
func (c *Client) BatchSize(size int) int {
	if size > 0 {
		return size
	}
	return c.config.Iterator.DefaultBatchSize
}

// OpenBlocks opens a block iterator over the client's cached source.
func (c *Client) OpenBlocks(start iterator.Start, filter iterator.Filter, direction iterator.Direction) (*iterator.BlockIterator, error) {
	return iterator.OpenBlocks(c.Source, start, filter, direction, c.iteratorOpts...)
}

// OpenTransactions opens a transaction iterator over the client's cached source.
func (c *Client) OpenTransactions(start iterator.Start, filter iterator.Filter, direction iterator.Direction) (*iterator.TransactionIterator, error) {
	return iterator.OpenTransactions(c.Source, start, filter, direction, c.iteratorOpts...)
}

// Subscribe opens a subscription through the endpoint manager.
func (c *Client) Subscribe(ctx context.Context, topic protocol.Subscription) (*gateway.Subscription, error) {
	return c.Network.Subscribe(ctx, topic)
}

// Close releases the endpoint manager and the HTTP transport.
// Closers run in reverse creation order.
func (c *Client) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// messageSource reads blocks from the cache and messages from the network.
type messageSource struct {
	*iterator.CachingSource
	network *iterator.NetworkSource
}

func (s messageSource) Messages(ctx context.Context, ids []protocol.MessageID) ([]protocol.Message, error) {
	return s.network.Messages(ctx, ids)
}
