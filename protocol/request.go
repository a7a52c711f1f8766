package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationKind is the kind of GraphQL operation sent to the data service.
type OperationKind int

const (
	OperationQuery OperationKind = iota
	OperationMutation
	OperationSubscription
)

func (k OperationKind) String() string {
	switch k {
	case OperationQuery:
		return "query"
	case OperationMutation:
		return "mutation"
	case OperationSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("operation(%d)", int(k))
	}
}

// Collections of the data service used by the core.
const (
	CollectionInfo         = "info"
	CollectionBlocks       = "blocks"
	CollectionTransactions = "transactions"
	CollectionMessages     = "messages"
	MutationPostRequests   = "postRequests"
)

// Filter is a data service filter, e.g. {"seq_no": {"gt": 10}, "workchain_id": {"eq": 0}}.
type Filter map[string]any

func Eq(v any) map[string]any { return map[string]any{"eq": v} }
func Gt(v any) map[string]any { return map[string]any{"gt": v} }
func Lt(v any) map[string]any { return map[string]any{"lt": v} }
func Ge(v any) map[string]any { return map[string]any{"ge": v} }
func Le(v any) map[string]any { return map[string]any{"le": v} }

func In[T any](vs ...T) map[string]any {
	values := make([]any, len(vs))
	for i, v := range vs {
		values[i] = v
	}
	return map[string]any{"in": values}
}

// SortDirection of a collection query.
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

type OrderBy struct {
	Path      string        `json:"path"`
	Direction SortDirection `json:"direction"`
}

// Request is one query or mutation against the data service.
//
// It is kept structured (rather than a raw query string) so that:
//   - Transports render it into the GraphQL wire format.
//   - Simulated data services used in tests interpret it without a GraphQL parser.
type Request struct {
	Kind       OperationKind
	Collection string
	Filter     Filter
	OrderBy    []OrderBy
	Limit      int
	Result     string

	// Args are the arguments of a mutation, e.g. {"requests": [...]} for postRequests.
	Args map[string]any
}

// graphqlBody is the JSON body of a GraphQL HTTP request.
type graphqlBody struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// filterTypeNames maps collections to the GraphQL type of their filter argument.
var filterTypeNames = map[string]string{
	CollectionBlocks:       "BlockFilter",
	CollectionTransactions: "TransactionFilter",
	CollectionMessages:     "MessageFilter",
}

// Query renders the request as a GraphQL document and its variables.
func (r Request) Query() (string, map[string]any, error) {
	switch {
	case r.Collection == "":
		return "", nil, fmt.Errorf("request has no collection")
	case r.Kind == OperationMutation:
		return r.renderMutation()
	case r.Collection == CollectionInfo:
		return fmt.Sprintf("query { info { %s } }", r.resultOrDefault("version time latency lastBlockTime")), nil, nil
	default:
		return r.renderCollection()
	}
}

// Body renders the request as the JSON body of a GraphQL HTTP POST.
func (r Request) Body() ([]byte, error) {
	query, variables, err := r.Query()
	if err != nil {
		return nil, err
	}
	return json.Marshal(graphqlBody{Query: query, Variables: variables})
}

func (r Request) renderCollection() (string, map[string]any, error) {
	filterType, ok := filterTypeNames[r.Collection]
	if !ok {
		return "", nil, fmt.Errorf("unsupported collection %q", r.Collection)
	}
	if r.Result == "" {
		return "", nil, fmt.Errorf("request on %q has no result fields", r.Collection)
	}

	variables := map[string]any{}
	var params, args []string

	if len(r.Filter) > 0 {
		params = append(params, fmt.Sprintf("$filter: %s", filterType))
		args = append(args, "filter: $filter")
		variables["filter"] = r.Filter
	}
	if len(r.OrderBy) > 0 && r.Kind == OperationQuery {
		params = append(params, "$orderBy: [QueryOrderBy]")
		args = append(args, "orderBy: $orderBy")
		variables["orderBy"] = r.OrderBy
	}
	if r.Limit > 0 && r.Kind == OperationQuery {
		params = append(params, "$limit: Int")
		args = append(args, "limit: $limit")
		variables["limit"] = r.Limit
	}

	var sb strings.Builder
	sb.WriteString(r.Kind.String())
	if len(params) > 0 {
		sb.WriteString("(" + strings.Join(params, ", ") + ")")
	}
	sb.WriteString(" { " + r.Collection)
	if len(args) > 0 {
		sb.WriteString("(" + strings.Join(args, ", ") + ")")
	}
	sb.WriteString(" { " + r.Result + " } }")

	return sb.String(), variables, nil
}

func (r Request) renderMutation() (string, map[string]any, error) {
	switch r.Collection {
	case MutationPostRequests:
		return "mutation($requests: [Request]) { postRequests(requests: $requests) }", r.Args, nil
	default:
		return "", nil, fmt.Errorf("unsupported mutation %q", r.Collection)
	}
}

func (r Request) resultOrDefault(def string) string {
	if r.Result == "" {
		return def
	}
	return r.Result
}

// ServerError is one entry of the "errors" array of a GraphQL response.
type ServerError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code,omitempty"`
	} `json:"extensions,omitempty"`
}

// ResponseExtensions are the data service extensions of a response.
type ResponseExtensions struct {
	// LastBlockTime is the generation time of the freshest block known to the server.
	LastBlockTime uint32 `json:"lastBlockTime,omitempty"`
	// ServerTime is the server's clock, in milliseconds.
	ServerTime int64 `json:"serverTime,omitempty"`
}

// Response is the decoded reply of the data service to a Request.
type Response struct {
	Data       json.RawMessage    `json:"data,omitempty"`
	Errors     []ServerError      `json:"errors,omitempty"`
	Extensions ResponseExtensions `json:"extensions,omitempty"`

	// Set by the transport, not part of the wire format.
	Endpoint EndpointAddr  `json:"-"`
	Latency  time.Duration `json:"-"`
}

// Err returns the error reported by the server, if any, classified into the error taxonomy.
func (r Response) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}

	first := r.Errors[0]
	switch first.Extensions.Code {
	case "MESSAGE_REJECTED", "INVALID_MESSAGE", "BAD_USER_INPUT":
		return fmt.Errorf("%w: %s", ErrServerRejected, first.Message)
	case "NODE_OUT_OF_SYNC":
		return fmt.Errorf("%w: %s", ErrEndpointDesync, first.Message)
	default:
		return fmt.Errorf("%w: %s", ErrServerError, first.Message)
	}
}

// Collection extracts data.<name> from the response.
func (r Response) Collection(name string) (json.RawMessage, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed response data: %v", ErrServerError, err)
	}

	raw, ok := data[name]
	if !ok {
		return nil, fmt.Errorf("%w: response has no %q field", ErrServerError, name)
	}
	return raw, nil
}

// Subscription describes a push stream of records from one collection.
type Subscription struct {
	Collection string
	Filter     Filter
	Result     string

	// ResumeField names a monotonically increasing field of the pushed records (e.g. "lt").
	// When set, a stream re-opened after a disconnect only asks for records past the last
	// one delivered. When empty, a re-opened stream resumes from "now".
	ResumeField string

	// IDField names the field identifying a pushed record, used to drop replayed duplicates.
	IDField string
}

// Request returns the GraphQL operation opening the stream, resuming after marker when non-empty.
func (s Subscription) Request(marker json.RawMessage) Request {
	filter := make(Filter, len(s.Filter)+1)
	for k, v := range s.Filter {
		filter[k] = v
	}
	if s.ResumeField != "" && len(marker) > 0 {
		filter[s.ResumeField] = Gt(marker)
	}

	return Request{
		Kind:       OperationSubscription,
		Collection: s.Collection,
		Filter:     filter,
		Result:     s.Result,
	}
}
