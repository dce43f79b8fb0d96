// Package protocol defines the wire messages exchanged between the relay and
// its two peer kinds: daemons (machine-side processes running agent sessions)
// and browsers (observers/controllers of those sessions).
//
// Each direction is a closed tagged union: parsing dispatches on the "type"
// field with one case per known tag, so adding a message kind is a
// compile-visible change rather than a runtime fallthrough.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned when the "type" tag names no known message.
var ErrUnknownMessage = errors.New("unknown message type")

// ErrMissingType is returned when a message has no "type" tag at all.
var ErrMissingType = errors.New("missing message type")

type envelope struct {
	Type string `json:"type"`
}

func peekType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// encode marshals msg and stamps the "type" tag into the resulting object.
func encode(tag string, msg any) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	tagRaw, err := json.Marshal(tag)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	fields["type"] = tagRaw
	return json.Marshal(fields)
}

func decodeAs[T any](tag string, data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode %s: %w", tag, err)
	}
	return msg, nil
}
