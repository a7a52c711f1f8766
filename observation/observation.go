// package observation defines the structures used to communicate what each component of shardline observed:
// 1. Endpoint manager: outcome and latency of every request sent to a data service endpoint, and probes.
// 2. Iterator: progress of block and transaction iteration across shard branches.
// 3. Processing: lifecycle outcome of submitted messages.
//
// Observations are plain values. Components hand them to a Reporter, e.g. the metrics package.
package observation

import "time"

// Observations is the set of observations produced by a single operation.
// Any of the fields may be empty.
type Observations struct {
	Endpoints     []EndpointObservation
	Probes        []ProbeObservation
	Subscriptions []SubscriptionObservation
	Iterator      *IteratorObservation
	Processing    *ProcessingObservation
}

// Reporter publishes observations, e.g. as metrics.
type Reporter interface {
	Publish(*Observations)
}

// NoopReporter drops every observation.
type NoopReporter struct{}

func (NoopReporter) Publish(*Observations) {}

// Reporters hands every observation to each reporter, in order.
type Reporters []Reporter

func (rs Reporters) Publish(obs *Observations) {
	for _, r := range rs {
		r.Publish(obs)
	}
}

/* -------------------- Endpoint Manager -------------------- */

// EndpointOutcome classifies the outcome of a single request to an endpoint.
type EndpointOutcome string

const (
	EndpointOutcomeSuccess        EndpointOutcome = "success"
	EndpointOutcomeTransportError EndpointOutcome = "transport_error"
	EndpointOutcomeDesync         EndpointOutcome = "desync"
	EndpointOutcomeRejected       EndpointOutcome = "rejected"
	EndpointOutcomeServerError    EndpointOutcome = "server_error"
)

type EndpointObservation struct {
	EndpointAddr string
	Operation    string
	Collection   string
	Outcome      EndpointOutcome
	Latency      time.Duration
	// LastBlockTime is the server's freshest block time reported with the response, if any.
	LastBlockTime uint32
	ErrorMessage  string
	Timestamp     time.Time
}

type ProbeObservation struct {
	EndpointAddr  string
	Latency       time.Duration
	LastBlockTime uint32
	InSync        bool
	ErrorMessage  string
}

// SubscriptionEvent is a lifecycle event of a push stream.
type SubscriptionEvent string

const (
	SubscriptionConnected  SubscriptionEvent = "connected"
	SubscriptionReconnect  SubscriptionEvent = "reconnect"
	SubscriptionGap        SubscriptionEvent = "gap"
	SubscriptionDuplicate  SubscriptionEvent = "duplicate"
	SubscriptionDisconnect SubscriptionEvent = "disconnect"
)

type SubscriptionObservation struct {
	Collection   string
	EndpointAddr string
	Event        SubscriptionEvent
}

/* -------------------- Iterator -------------------- */

type IteratorObservation struct {
	// Kind is "blocks" or "transactions".
	Kind         string
	Direction    string
	Branches     int
	Emitted      int
	Splits       int
	Merges       int
	Duration     time.Duration
	Exhausted    bool
	ErrorMessage string
}

/* -------------------- Processing -------------------- */

type ProcessingObservation struct {
	MessageID      string
	Destination    string
	Expiration     uint32
	Outcome        string
	SendAttempts   int
	BlocksObserved int
	Duration       time.Duration
	// TransactionID is set when the message was confirmed.
	TransactionID string
	// LastBlockID and LastBlockTime describe the last block observed while waiting.
	LastBlockID   string
	LastBlockTime uint32
	ErrorMessage  string
}
