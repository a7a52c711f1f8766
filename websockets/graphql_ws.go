package websockets

import (
	"encoding/json"
	"fmt"
)

// Subprotocol is the websocket subprotocol spoken with the data service.
const Subprotocol = "graphql-ws"

// graphql-ws message types.
const (
	msgConnectionInit      = "connection_init"
	msgConnectionAck       = "connection_ack"
	msgConnectionError     = "connection_error"
	msgConnectionKeepAlive = "ka"
	msgConnectionTerminate = "connection_terminate"
	msgStart               = "start"
	msgData                = "data"
	msgError               = "error"
	msgComplete            = "complete"
	msgStop                = "stop"
)

// operationMessage is the envelope of every graphql-ws message.
type operationMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// dataPayload is the payload of a "data" message: a GraphQL response.
type dataPayload struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func newStartMessage(id, query string, variables map[string]any) (operationMessage, error) {
	payload, err := json.Marshal(startPayload{Query: query, Variables: variables})
	if err != nil {
		return operationMessage{}, fmt.Errorf("marshal start payload: %w", err)
	}
	return operationMessage{ID: id, Type: msgStart, Payload: payload}, nil
}
