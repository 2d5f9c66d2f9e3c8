package types

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection, in both directions.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWebsocketMessage wraps the payload into the event envelope and serializes it.
func NewWebsocketMessage(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s payload: %w", event, err)
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}

// DecodePayload decodes the data part of an incoming message into out (a pointer to one of the *Message structs).
// Decoding is weak, i.e. "true" and "1" are accepted for booleans and numbers sent as strings are converted.
func DecodePayload(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	payloadMap := make(map[string]interface{})
	if err := json.Unmarshal(raw, &payloadMap); err != nil {
		return err
	}
	return mapstructure.WeakDecode(payloadMap, out)
}
