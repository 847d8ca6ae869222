// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
)

// UnknownEventType is reported for payloads without a recognizable type.
const UnknownEventType = "unknown"

// EventType derives the observer key of an application payload.
//
// The first key of a nested "event" object wins ({"event":{"sessionStart":{}}}
// is "sessionStart"). Otherwise a top-level string "type" is used.
func EventType(payload json.RawMessage) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return UnknownEventType
	}

	if nested, ok := top["event"]; ok {
		if key := firstKey(nested); key != "" {
			return key
		}
	}

	if raw, ok := top["type"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}

	return UnknownEventType
}

// firstKey returns the first member name of a JSON object in document order.
func firstKey(obj json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(obj))
	tok, err := dec.Token()
	if err != nil {
		return ""
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ""
	}
	tok, err = dec.Token()
	if err != nil {
		return ""
	}
	key, _ := tok.(string)
	return key
}

// PayloadType derives the observer key from the value of a frame's "event"
// field: its first member name, or the value of a leading string "type"
// member.
func PayloadType(event json.RawMessage) string {
	key := firstKey(event)
	switch key {
	case "":
		return UnknownEventType
	case "type":
		return EventType(event)
	default:
		return key
	}
}
