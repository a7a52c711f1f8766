package data

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog/polyzero"
	"github.com/stretchr/testify/require"

	"github.com/buildwithgrove/shardline/observation"
)

func Test_DataReporterHTTP_Publish(t *testing.T) {
	tests := []struct {
		name         string
		observations *observation.Observations
		expected     map[string]any
	}{
		{
			name: "should post a confirmed message record",
			observations: &observation.Observations{Processing: &observation.ProcessingObservation{
				MessageID:      "0xABCD",
				Destination:    "0:8a00000000000000000000000000000000000000000000000000000000000001",
				Expiration:     100,
				Outcome:        "confirmed",
				SendAttempts:   1,
				BlocksObserved: 3,
				Duration:       1500 * time.Millisecond,
				TransactionID:  "tx:1",
				LastBlockID:    "0:8000000000000000:4",
				LastBlockTime:  95,
			}},
			expected: map[string]any{
				"message_id":      "0xABCD",
				"destination":     "0:8a00000000000000000000000000000000000000000000000000000000000001",
				"expiration":      float64(100),
				"outcome":         "confirmed",
				"send_attempts":   float64(1),
				"blocks_observed": float64(3),
				"duration_ms":     float64(1500),
				"transaction_id":  "tx:1",
				"last_block_id":   "0:8000000000000000:4",
				"last_block_time": float64(95),
			},
		},
		{
			name: "should post a transport failure record",
			observations: &observation.Observations{Processing: &observation.ProcessingObservation{
				MessageID:    "0xDEAD",
				Outcome:      "transport_failure",
				SendAttempts: 4,
				ErrorMessage: "send 0xDEAD: transport failure",
			}},
			expected: map[string]any{
				"message_id":      "0xDEAD",
				"destination":     "",
				"expiration":      float64(0),
				"outcome":         "transport_failure",
				"send_attempts":   float64(4),
				"blocks_observed": float64(0),
				"duration_ms":     float64(0),
				"error_message":   "send 0xDEAD: transport failure",
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)

			received := make(chan map[string]any, 1)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c.Equal(http.MethodPost, r.Method)
				c.Equal("application/json", r.Header.Get("Content-Type"))

				body, err := io.ReadAll(r.Body)
				c.NoError(err)
				var record map[string]any
				c.NoError(json.Unmarshal(body, &record))
				received <- record
			}))
			defer server.Close()

			reporter := &DataReporterHTTP{
				Logger:           polyzero.NewLogger(),
				DataProcessorURL: server.URL,
			}
			reporter.Publish(test.observations)

			record := <-received
			c.NotEmpty(record["reported_at"])
			delete(record, "reported_at")
			c.Equal(test.expected, record)
		})
	}
}

func Test_DataReporterHTTP_IgnoresOtherObservations(t *testing.T) {
	posts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
	}))
	defer server.Close()

	reporter := &DataReporterHTTP{Logger: polyzero.NewLogger(), DataProcessorURL: server.URL}
	reporter.Publish(&observation.Observations{Iterator: &observation.IteratorObservation{Kind: "blocks"}})
	reporter.Publish(nil)

	require.Zero(t, posts)
}

func Test_DataReporterHTTP_RejectedRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	reporter := &DataReporterHTTP{Logger: polyzero.NewLogger(), DataProcessorURL: server.URL}
	err := reporter.sendRecordOverHTTP([]byte(`{}`))
	require.ErrorContains(t, err, "503")
}
