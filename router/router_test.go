package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog/polyzero"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/buildwithgrove/shardline/config"
	"github.com/buildwithgrove/shardline/health"
	"github.com/buildwithgrove/shardline/protocol"
	"github.com/buildwithgrove/shardline/qos"
)

type staticCheck struct {
	name  string
	alive bool
}

func (s staticCheck) Name() string  { return s.name }
func (s staticCheck) IsAlive() bool { return s.alive }

func newTestRouter(t *testing.T, components ...health.Check) (*MockendpointManager, *httptest.Server) {
	ctrl := gomock.NewController(t)
	mockNetwork := NewMockendpointManager(ctrl)

	logger := polyzero.NewLogger()
	r := NewRouter(
		logger,
		mockNetwork,
		&health.Checker{Logger: logger, Components: components},
		config.RouterConfig{},
	)
	ts := httptest.NewServer(r.mux)
	t.Cleanup(ts.Close)

	return mockNetwork, ts
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(respBody)
}

func Test_handleHealthz(t *testing.T) {
	tests := []struct {
		name           string
		components     []health.Check
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "should return 200 when every component is alive",
			components:     []health.Check{staticCheck{name: "endpoint-manager", alive: true}},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"ready","imageTag":"development","readyStates":{"endpoint-manager":true}}`,
		},
		{
			name:           "should return 503 when the network is suspended",
			components:     []health.Check{staticCheck{name: "endpoint-manager", alive: false}},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   `{"status":"not_ready","imageTag":"development","readyStates":{"endpoint-manager":false}}`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)

			_, ts := newTestRouter(t, test.components...)

			status, body := do(t, http.MethodGet, fmt.Sprintf("%s/healthz", ts.URL), "")
			c.Equal(test.expectedStatus, status)
			c.JSONEq(test.expectedBody, body)
		})
	}
}

func Test_handleGetEndpoints(t *testing.T) {
	c := require.New(t)

	mockNetwork, ts := newTestRouter(t)
	updatedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mockNetwork.EXPECT().NetworkTime().Return(uint32(1_700_000_100))
	mockNetwork.EXPECT().Endpoints().Return([]qos.Endpoint{
		{
			Addr:         "https://a.provider-one.org",
			Status:       qos.StatusHealthy,
			Latency:      42 * time.Millisecond,
			MaxBlockTime: 1_700_000_100,
			UpdatedAt:    updatedAt,
		},
		{
			Addr:      "https://b.provider-two.org",
			Status:    qos.StatusUnreachable,
			Demoted:   true,
			LastError: "transport failure: connection refused",
		},
	})

	status, body := do(t, http.MethodGet, ts.URL+"/endpoints", "")
	c.Equal(http.StatusOK, status)
	c.JSONEq(`{
		"networkTime": 1700000100,
		"endpoints": [
			{"addr":"https://a.provider-one.org","status":"healthy","latencyMs":42,"maxBlockTime":1700000100,"demoted":false,"updatedAt":"2024-05-01T12:00:00Z"},
			{"addr":"https://b.provider-two.org","status":"unreachable","latencyMs":0,"maxBlockTime":0,"demoted":true,"lastError":"transport failure: connection refused"}
		]
	}`, body)
}

func Test_handleSetEndpoints(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedAddrs  protocol.EndpointAddrList
		expectedStatus int
	}{
		{
			name:           "should replace the endpoints",
			body:           `{"endpoints":["mainnet.provider-one.org","https://eu.provider-two.org/"]}`,
			expectedAddrs:  protocol.EndpointAddrList{"https://mainnet.provider-one.org", "https://eu.provider-two.org"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "should reject an empty list",
			body:           `{"endpoints":[]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "should reject an invalid endpoint",
			body:           `{"endpoints":["https://"]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "should reject a malformed body",
			body:           `["https://a.provider-one.org"]`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)

			mockNetwork, ts := newTestRouter(t)
			if test.expectedAddrs != nil {
				mockNetwork.EXPECT().SetEndpoints(test.expectedAddrs)
				mockNetwork.EXPECT().NetworkTime().Return(uint32(0))
				mockNetwork.EXPECT().Endpoints().Return(nil)
			}

			status, body := do(t, http.MethodPut, ts.URL+"/endpoints", test.body)
			c.Equal(test.expectedStatus, status)
			if status == http.StatusOK {
				var resp endpointsJSON
				c.NoError(json.Unmarshal([]byte(body), &resp))
				c.Empty(resp.Endpoints)
			}
		})
	}
}

func Test_handleSuspendResume(t *testing.T) {
	c := require.New(t)

	mockNetwork, ts := newTestRouter(t)
	gomock.InOrder(
		mockNetwork.EXPECT().Suspend(),
		mockNetwork.EXPECT().Resume(),
	)

	status, _ := do(t, http.MethodPost, ts.URL+"/network/suspend", "")
	c.Equal(http.StatusNoContent, status)

	status, _ = do(t, http.MethodPost, ts.URL+"/network/resume", "")
	c.Equal(http.StatusNoContent, status)

	// Only POST is routed.
	status, _ = do(t, http.MethodGet, ts.URL+"/network/suspend", "")
	c.Equal(http.StatusMethodNotAllowed, status)
}
