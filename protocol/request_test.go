package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestQuery(t *testing.T) {
	tests := []struct {
		name          string
		request       Request
		expectedQuery string
		expectedVars  []string
		expectError   bool
	}{
		{
			name:          "info query",
			request:       Request{Collection: CollectionInfo},
			expectedQuery: "query { info { version time latency lastBlockTime } }",
		},
		{
			name: "blocks query with filter, order and limit",
			request: Request{
				Collection: CollectionBlocks,
				Filter:     Filter{"seq_no": Gt(10)},
				OrderBy:    []OrderBy{{Path: "seq_no", Direction: SortAsc}},
				Limit:      5,
				Result:     "id",
			},
			expectedQuery: "query($filter: BlockFilter, $orderBy: [QueryOrderBy], $limit: Int) " +
				"{ blocks(filter: $filter, orderBy: $orderBy, limit: $limit) { id } }",
			expectedVars: []string{"filter", "orderBy", "limit"},
		},
		{
			name: "subscription drops order and limit",
			request: Request{
				Kind:       OperationSubscription,
				Collection: CollectionTransactions,
				Filter:     Filter{"account_addr": Eq("0:00")},
				Limit:      5,
				Result:     "id lt",
			},
			expectedQuery: "subscription($filter: TransactionFilter) { transactions(filter: $filter) { id lt } }",
			expectedVars:  []string{"filter"},
		},
		{
			name: "post requests mutation",
			request: Request{
				Kind:       OperationMutation,
				Collection: MutationPostRequests,
				Args:       map[string]any{"requests": []any{}},
			},
			expectedQuery: "mutation($requests: [Request]) { postRequests(requests: $requests) }",
			expectedVars:  []string{"requests"},
		},
		{
			name:        "collection query without result fields",
			request:     Request{Collection: CollectionBlocks},
			expectError: true,
		},
		{
			name:        "unknown collection",
			request:     Request{Collection: "accounts", Result: "id"},
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := require.New(t)

			query, vars, err := tc.request.Query()
			if tc.expectError {
				c.Error(err)
				return
			}
			c.NoError(err)
			c.Equal(tc.expectedQuery, query)
			for _, name := range tc.expectedVars {
				c.Contains(vars, name)
			}
		})
	}
}

func TestResponseErr(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected error
	}{
		{name: "rejected message", code: "MESSAGE_REJECTED", expected: ErrServerRejected},
		{name: "out of sync node", code: "NODE_OUT_OF_SYNC", expected: ErrEndpointDesync},
		{name: "unknown code", code: "INTERNAL", expected: ErrServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := Response{Errors: []ServerError{{Message: "boom"}}}
			resp.Errors[0].Extensions.Code = tc.code
			require.ErrorIs(t, resp.Err(), tc.expected)
		})
	}

	require.NoError(t, Response{}.Err())
}

func TestSubscriptionResume(t *testing.T) {
	c := require.New(t)

	sub := Subscription{
		Collection:  CollectionTransactions,
		Filter:      Filter{"account_addr": Eq("0:00")},
		Result:      "id lt",
		ResumeField: "lt",
	}

	first := sub.Request(nil)
	c.NotContains(first.Filter, "lt")

	resumed := sub.Request(json.RawMessage(`"0x10"`))
	c.Equal(Gt(json.RawMessage(`"0x10"`)), resumed.Filter["lt"])
	c.Contains(resumed.Filter, "account_addr")

	// The subscription's own filter is left untouched.
	c.NotContains(sub.Filter, "lt")
}

func TestOperationErrorUnwrap(t *testing.T) {
	c := require.New(t)

	err := &OperationError{Op: "execute", Endpoint: "https://a.example.org", Err: ErrTransport}
	c.True(errors.Is(err, ErrTransport))
	c.True(IsRetryable(err))
	c.Contains(err.Error(), "endpoint=https://a.example.org")
	c.False(IsRetryable(ErrServerRejected))
}
