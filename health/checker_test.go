package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pokt-network/poktroll/pkg/polylog/polyzero"
	"github.com/stretchr/testify/require"

	"github.com/buildwithgrove/shardline/protocol"
)

type staticCheck struct {
	name  string
	alive bool
}

func (s staticCheck) Name() string  { return s.name }
func (s staticCheck) IsAlive() bool { return s.alive }

type staticEndpoints protocol.EndpointAddrList

func (s staticEndpoints) ConfiguredEndpoints() protocol.EndpointAddrList {
	return protocol.EndpointAddrList(s)
}

func Test_HealthzHandler(t *testing.T) {
	tests := []struct {
		name           string
		components     []Check
		expectedStatus int
		expectedBody   healthCheckJSON
	}{
		{
			name:           "ready without components",
			expectedStatus: http.StatusOK,
			expectedBody: healthCheckJSON{
				Status:              statusReady,
				ImageTag:            defaultImageTag,
				ConfiguredEndpoints: []protocol.EndpointAddr{"https://a.example.org", "https://b.example.org"},
			},
		},
		{
			name: "one component not alive",
			components: []Check{
				staticCheck{name: "endpoint-manager", alive: false},
				staticCheck{name: "metrics", alive: true},
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody: healthCheckJSON{
				Status:              statusNotReady,
				ImageTag:            defaultImageTag,
				ReadyStates:         map[string]bool{"endpoint-manager": false, "metrics": true},
				ConfiguredEndpoints: []protocol.EndpointAddr{"https://a.example.org", "https://b.example.org"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)
			t.Setenv(imageTagEnvVar, "")

			checker := &Checker{
				Logger:           polyzero.NewLogger(),
				Components:       test.components,
				EndpointReporter: staticEndpoints{"https://b.example.org", "https://a.example.org"},
			}

			rec := httptest.NewRecorder()
			checker.HealthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			c.Equal(test.expectedStatus, rec.Code)
			c.Equal(test.expectedStatus == http.StatusOK, checker.IsReady())

			var body healthCheckJSON
			c.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
			c.Equal(test.expectedBody, body)
		})
	}
}
