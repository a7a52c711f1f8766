// Package data exports the outcome of every submitted message to an external data pipeline.
package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog"

	shardhttp "github.com/buildwithgrove/shardline/network/http"
	"github.com/buildwithgrove/shardline/observation"
)

const defaultPostTimeout = 5 * time.Second

var _ observation.Reporter = &DataReporterHTTP{}

// DataReporterHTTP sends a record for each message outcome to an HTTP endpoint.
// It assumes the HTTP server is part of the data pipeline, i.e. it processes and stores/forwards the records as appropriate.
// For example: a Fluentd HTTP input plugin, with output plugin pointing to BigQuery.
//
// Records are posted synchronously: the caller of SubmitAndConfirm pays for the post, bounded by PostTimeout.
type DataReporterHTTP struct {
	Logger polylog.Logger

	// The URL of the Data Pipeline's HTTP server.
	// e.g. Fluentd HTTP input plugin on localhost:8686.
	DataProcessorURL string

	// PostTimeout bounds each post. Defaults to 5s.
	PostTimeout time.Duration

	// Client is the HTTP client used to post. Defaults to http.DefaultClient.
	Client *http.Client
}

// messageRecord is the record sent for every message outcome.
type messageRecord struct {
	MessageID      string  `json:"message_id"`
	Destination    string  `json:"destination"`
	Expiration     uint32  `json:"expiration"`
	Outcome        string  `json:"outcome"`
	SendAttempts   int     `json:"send_attempts"`
	BlocksObserved int     `json:"blocks_observed"`
	DurationMs     float64 `json:"duration_ms"`
	TransactionID  string  `json:"transaction_id,omitempty"`
	LastBlockID    string  `json:"last_block_id,omitempty"`
	LastBlockTime  uint32  `json:"last_block_time,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	ReportedAt     string  `json:"reported_at"`
}

// Publish the processing observation, if any:
// - Build the expected data record.
// - Send to the configured URL.
//
// Other observations are ignored.
func (drh *DataReporterHTTP) Publish(observations *observation.Observations) {
	if observations == nil || observations.Processing == nil {
		return
	}
	obs := observations.Processing

	logger := drh.Logger.With(
		"component", "DataReporterHTTP",
		"message_id", obs.MessageID,
	)

	serializedRecord, err := json.Marshal(buildMessageRecord(obs, time.Now()))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to serialize the data record. Skip reporting.")
		return
	}

	if err := drh.sendRecordOverHTTP(serializedRecord); err != nil {
		logger.Warn().Err(err).Msg("Failed to send the data record over HTTP. Skip reporting.")
	}
}

func buildMessageRecord(obs *observation.ProcessingObservation, now time.Time) messageRecord {
	return messageRecord{
		MessageID:      obs.MessageID,
		Destination:    obs.Destination,
		Expiration:     obs.Expiration,
		Outcome:        obs.Outcome,
		SendAttempts:   obs.SendAttempts,
		BlocksObserved: obs.BlocksObserved,
		DurationMs:     float64(obs.Duration) / float64(time.Millisecond),
		TransactionID:  obs.TransactionID,
		LastBlockID:    obs.LastBlockID,
		LastBlockTime:  obs.LastBlockTime,
		ErrorMessage:   obs.ErrorMessage,
		ReportedAt:     now.UTC().Format(time.RFC3339Nano),
	}
}

func (drh *DataReporterHTTP) sendRecordOverHTTP(serializedDataRecord []byte) error {
	timeout := drh.PostTimeout
	if timeout <= 0 {
		timeout = defaultPostTimeout
	}
	client := drh.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, drh.DataProcessorURL, bytes.NewReader(serializedDataRecord))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Verify the data processor accepted the record.
	if err := shardhttp.EnsureHTTPSuccess(resp.StatusCode); err != nil {
		return fmt.Errorf("error sending the data record: %w", err)
	}
	return nil
}
