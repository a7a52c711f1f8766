package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog/polyzero"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/buildwithgrove/shardline/protocol"
	"github.com/buildwithgrove/shardline/qos"
)

const (
	endpointA = protocol.EndpointAddr("https://a.provider-one.org")
	endpointB = protocol.EndpointAddr("https://b.provider-two.org")
	endpointC = protocol.EndpointAddr("https://c.provider-three.org")
)

func testConfig(endpoints ...protocol.EndpointAddr) Config {
	config := Config{
		QueryTimeout:        time.Second,
		ProbeTimeout:        time.Second,
		MaxRetries:          3,
		RetryBackoff:        time.Millisecond,
		OutOfSyncThreshold:  15 * time.Second,
		DemotionDuration:    time.Minute,
		MaxConcurrentProbes: 8,
		Subscription: SubscriptionConfig{
			ReconnectDelay: time.Millisecond,
			DedupWindow:    16,
		},
	}
	for _, endpoint := range endpoints {
		config.Endpoints = append(config.Endpoints, string(endpoint))
	}
	config.HydrateDefaults()
	return config
}

func newTestManager(t *testing.T, transport Transport, dialer StreamDialer, endpoints ...protocol.EndpointAddr) *EndpointManager {
	t.Helper()

	m, err := NewEndpointManager(polyzero.NewLogger(), testConfig(endpoints...), transport, dialer, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// markHealthy records a successful request on the endpoint, as a probe round would.
func markHealthy(m *EndpointManager, addr protocol.EndpointAddr, maxBlockTime uint32) {
	m.store.RecordSuccess(addr, 10*time.Millisecond, maxBlockTime)
	m.observeNetworkTime(maxBlockTime)
}

func infoResponse(addr protocol.EndpointAddr, lastBlockTime uint32, latencyMs int64) protocol.Response {
	return protocol.Response{
		Data: []byte(fmt.Sprintf(
			`{"info":{"version":"0.1.0","time":%d,"latency":%d,"lastBlockTime":%d}}`,
			time.Now().UnixMilli(), latencyMs, lastBlockTime,
		)),
		Endpoint: addr,
		Latency:  5 * time.Millisecond,
	}
}

func blocksResponse(addr protocol.EndpointAddr, lastBlockTime uint32) protocol.Response {
	return protocol.Response{
		Data:       []byte(`{"blocks":[]}`),
		Extensions: protocol.ResponseExtensions{LastBlockTime: lastBlockTime},
		Endpoint:   addr,
		Latency:    5 * time.Millisecond,
	}
}

func blocksRequest() protocol.Request {
	return protocol.Request{
		Kind:       protocol.OperationQuery,
		Collection: protocol.CollectionBlocks,
		Filter:     protocol.Filter{"workchain_id": protocol.Eq(0)},
		Limit:      10,
		Result:     protocol.BlockResultFields,
	}
}

func isProbe(request protocol.Request) bool {
	return request.Collection == protocol.CollectionInfo
}

func transportError(addr protocol.EndpointAddr) error {
	return fmt.Errorf("%w: dial tcp %s: connection refused", protocol.ErrTransport, addr)
}

func Test_Resolve(t *testing.T) {
	tests := []struct {
		name           string
		probe          func(addr protocol.EndpointAddr) (protocol.Response, error)
		expectedActive protocol.EndpointAddr
		expectedErr    error
	}{
		{
			name: "all 3 endpoints fail their probe",
			probe: func(addr protocol.EndpointAddr) (protocol.Response, error) {
				return protocol.Response{}, transportError(addr)
			},
			expectedErr: protocol.ErrNoReachableEndpoint,
		},
		{
			name: "the only in-sync endpoint wins",
			probe: func(addr protocol.EndpointAddr) (protocol.Response, error) {
				switch addr {
				case endpointA:
					return protocol.Response{}, transportError(addr)
				case endpointB:
					// The server reports it lags the network by a minute.
					return infoResponse(addr, 1000, 60_000), nil
				default:
					return infoResponse(addr, 1000, 200), nil
				}
			},
			expectedActive: endpointC,
		},
		{
			name: "server errors count as failed probes",
			probe: func(addr protocol.EndpointAddr) (protocol.Response, error) {
				if addr == endpointB {
					return infoResponse(addr, 1000, 0), nil
				}
				return protocol.Response{Errors: []protocol.ServerError{{Message: "internal"}}}, nil
			},
			expectedActive: endpointB,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)
			ctrl := gomock.NewController(t)

			transport := NewMockTransport(ctrl)
			transport.EXPECT().
				Execute(gomock.Any(), gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, addr protocol.EndpointAddr, request protocol.Request) (protocol.Response, error) {
					c.True(isProbe(request))
					return test.probe(addr)
				}).
				AnyTimes()

			m := newTestManager(t, transport, nil, endpointA, endpointB, endpointC)

			active, err := m.Resolve(context.Background())
			if test.expectedErr != nil {
				c.ErrorIs(err, test.expectedErr)
				for _, addr := range []protocol.EndpointAddr{endpointA, endpointB, endpointC} {
					c.Contains(err.Error(), string(addr))
				}
				c.False(m.IsAlive())
				return
			}

			c.NoError(err)
			c.Equal(test.expectedActive, active.Addr)
			c.Equal(qos.StatusHealthy, active.Status)
			c.Equal(uint32(1000), m.NetworkTime())
		})
	}
}

func Test_Resolve_CancelledKeepsEndpointsUndemoted(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ protocol.EndpointAddr, _ protocol.Request) (protocol.Response, error) {
			<-ctx.Done()
			return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrTransport, ctx.Err())
		}).
		AnyTimes()

	m := newTestManager(t, transport, nil, endpointA, endpointB, endpointC)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := m.Resolve(ctx)
	c.ErrorIs(err, context.Canceled)

	for _, endpoint := range m.Endpoints() {
		c.False(endpoint.Demoted, endpoint.Addr)
		c.NotEqual(qos.StatusUnreachable, endpoint.Status, endpoint.Addr)
	}
}

func Test_Resolve_KeepsActiveEndpoint(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	// No probe is sent while an endpoint is active.
	transport := NewMockTransport(ctrl)
	m := newTestManager(t, transport, nil, endpointA, endpointB)

	markHealthy(m, endpointB, 1000)
	c.True(m.store.Activate(endpointB))

	for range 3 {
		active, err := m.Resolve(context.Background())
		c.NoError(err)
		c.Equal(endpointB, active.Addr)
	}
}

func Test_Execute_Failover(t *testing.T) {
	tests := []struct {
		name         string
		respondA     func() (protocol.Response, error)
		expectedFrom protocol.EndpointAddr
		expectedErr  error
		demotesA     bool
	}{
		{
			name:         "transport failure fails over to the next healthy endpoint",
			respondA:     func() (protocol.Response, error) { return protocol.Response{}, transportError(endpointA) },
			expectedFrom: endpointB,
			demotesA:     true,
		},
		{
			name:         "a response lagging the network time fails over",
			respondA:     func() (protocol.Response, error) { return blocksResponse(endpointA, 900), nil },
			expectedFrom: endpointB,
			demotesA:     true,
		},
		{
			name: "a server reported desync fails over",
			respondA: func() (protocol.Response, error) {
				resp := blocksResponse(endpointA, 1000)
				resp.Errors = []protocol.ServerError{{Message: "node is out of sync"}}
				resp.Errors[0].Extensions.Code = "NODE_OUT_OF_SYNC"
				return resp, nil
			},
			expectedFrom: endpointB,
			demotesA:     true,
		},
		{
			name: "a rejection is returned without retry",
			respondA: func() (protocol.Response, error) {
				resp := blocksResponse(endpointA, 1000)
				resp.Errors = []protocol.ServerError{{Message: "invalid filter"}}
				resp.Errors[0].Extensions.Code = "BAD_USER_INPUT"
				return resp, nil
			},
			expectedErr: protocol.ErrServerRejected,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)
			ctrl := gomock.NewController(t)

			transport := NewMockTransport(ctrl)
			transport.EXPECT().
				Execute(gomock.Any(), endpointA, gomock.Any()).
				DoAndReturn(func(context.Context, protocol.EndpointAddr, protocol.Request) (protocol.Response, error) {
					return test.respondA()
				}).
				Times(1)
			transport.EXPECT().
				Execute(gomock.Any(), endpointB, gomock.Any()).
				Return(blocksResponse(endpointB, 1000), nil).
				AnyTimes()

			m := newTestManager(t, transport, nil, endpointA, endpointB, endpointC)
			markHealthy(m, endpointA, 1000)
			markHealthy(m, endpointB, 999)
			c.True(m.store.Activate(endpointA))

			resp, err := m.Execute(context.Background(), blocksRequest())
			if test.expectedErr != nil {
				c.ErrorIs(err, test.expectedErr)

				var opErr *protocol.OperationError
				c.True(errors.As(err, &opErr))
				c.Equal(endpointA, opErr.Endpoint)
			} else {
				c.NoError(err)
				c.Equal(test.expectedFrom, resp.Endpoint)
			}

			a, _ := m.store.Get(endpointA)
			c.Equal(test.demotesA, a.Demoted)

			// A demoted endpoint is never selected while a healthy one exists.
			active, ok := m.store.Active()
			c.True(ok)
			if test.demotesA {
				c.Equal(endpointB, active.Addr)
				c.Equal(endpointB, m.Endpoints()[0].Addr)
				c.Equal(endpointA, m.Endpoints()[2].Addr)
			} else {
				c.Equal(endpointA, active.Addr)
			}
		})
	}
}

func Test_Execute_SucceedsWhileOneEndpointIsHealthy(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	// Endpoints A and B fail every request; C answers queries and probes.
	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, addr protocol.EndpointAddr, request protocol.Request) (protocol.Response, error) {
			if addr != endpointC {
				return protocol.Response{}, transportError(addr)
			}
			if isProbe(request) {
				return infoResponse(addr, 1000, 0), nil
			}
			return blocksResponse(addr, 1000), nil
		}).
		AnyTimes()

	m := newTestManager(t, transport, nil, endpointA, endpointB, endpointC)
	markHealthy(m, endpointA, 1000)
	c.True(m.store.Activate(endpointA))

	for range 5 {
		resp, err := m.Execute(context.Background(), blocksRequest())
		c.NoError(err)
		c.Equal(endpointC, resp.Endpoint)
	}

	for _, endpoint := range m.Endpoints() {
		if endpoint.Addr == endpointC {
			c.False(endpoint.Demoted)
		}
	}
}

func Test_Execute_AllEndpointsFail(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, addr protocol.EndpointAddr, _ protocol.Request) (protocol.Response, error) {
			return protocol.Response{}, transportError(addr)
		}).
		AnyTimes()

	m := newTestManager(t, transport, nil, endpointA, endpointB)

	_, err := m.Execute(context.Background(), blocksRequest())
	c.ErrorIs(err, protocol.ErrNoReachableEndpoint)

	var opErr *protocol.OperationError
	c.True(errors.As(err, &opErr))
	c.Equal("query blocks", opErr.Op)
}

func Test_Execute_ContextCanceled(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	transport := NewMockTransport(ctrl)
	m := newTestManager(t, transport, nil, endpointA)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Execute(ctx, blocksRequest())
	c.ErrorIs(err, context.Canceled)
}

func Test_Execute_CancelledDuringBackoff(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Execute(gomock.Any(), endpointA, gomock.Any()).
		Return(protocol.Response{}, transportError(endpointA)).
		Times(1)

	config := testConfig(endpointA, endpointB)
	config.RetryBackoff = 5 * time.Second
	m, err := NewEndpointManager(polyzero.NewLogger(), config, transport, nil, nil)
	c.NoError(err)
	t.Cleanup(m.Close)
	markHealthy(m, endpointA, 1000)
	c.True(m.store.Activate(endpointA))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = m.Execute(ctx, blocksRequest())
	c.Less(time.Since(start), 2*time.Second)
	c.ErrorIs(err, context.DeadlineExceeded)
	c.ErrorIs(err, protocol.ErrTransport)
}

func Test_QueryCollection(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Execute(gomock.Any(), endpointA, gomock.Any()).
		Return(protocol.Response{Data: []byte(`{"blocks":[{"id":"b1"}]}`), Endpoint: endpointA}, nil)

	m := newTestManager(t, transport, nil, endpointA)
	markHealthy(m, endpointA, 1000)
	c.True(m.store.Activate(endpointA))

	raw, err := m.QueryCollection(context.Background(), blocksRequest())
	c.NoError(err)
	c.JSONEq(`[{"id":"b1"}]`, string(raw))
}

func Test_SuspendResume(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Execute(gomock.Any(), endpointA, gomock.Any()).
		Return(blocksResponse(endpointA, 1000), nil).
		Times(1)

	m := newTestManager(t, transport, nil, endpointA)
	markHealthy(m, endpointA, 1000)
	c.True(m.store.Activate(endpointA))

	m.Suspend()
	c.False(m.IsAlive())

	_, err := m.Execute(context.Background(), blocksRequest())
	c.ErrorIs(err, protocol.ErrSuspended)

	_, err = m.Resolve(context.Background())
	c.ErrorIs(err, protocol.ErrSuspended)

	m.Resume()
	c.True(m.IsAlive())

	_, err = m.Execute(context.Background(), blocksRequest())
	c.NoError(err)
}

func Test_SetEndpoints(t *testing.T) {
	c := require.New(t)
	ctrl := gomock.NewController(t)

	m := newTestManager(t, NewMockTransport(ctrl), nil, endpointA, endpointB)
	markHealthy(m, endpointB, 1000)
	c.True(m.store.Activate(endpointB))

	m.SetEndpoints(protocol.EndpointAddrList{endpointB, endpointC})

	active, err := m.Resolve(context.Background())
	c.NoError(err)
	c.Equal(endpointB, active.Addr)

	var addrs []protocol.EndpointAddr
	for _, endpoint := range m.Endpoints() {
		addrs = append(addrs, endpoint.Addr)
	}
	c.ElementsMatch([]protocol.EndpointAddr{endpointB, endpointC}, addrs)
}

func Test_Config_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		expectErr bool
	}{
		{
			name:   "valid config",
			config: testConfig(endpointA),
		},
		{
			name:      "no endpoints",
			config:    testConfig(),
			expectErr: true,
		},
		{
			name: "invalid endpoint",
			config: func() Config {
				config := testConfig()
				config.Endpoints = []string{"https://"}
				return config
			}(),
			expectErr: true,
		},
		{
			name: "negative retries",
			config: func() Config {
				config := testConfig(endpointA)
				config.MaxRetries = -1
				return config
			}(),
			expectErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.config.Validate()
			if test.expectErr {
				require.ErrorIs(t, err, ErrInvalidNetworkConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}
