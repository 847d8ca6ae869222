// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"time"
)

// Kind identifies the role of a frame on the wire.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindEvent        // APPLICATION_EVENT
	KindAck
	KindHeartbeat
	KindFragment
)

// Wire type names.
const (
	TypeEvent     = "S2S_EVENT"
	TypeResponse  = "S2S_RESPONSE"
	TypeAck       = "ACK"
	TypeHeartbeat = "HEARTBEAT"
	TypeChunk     = "CHUNK"
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "APPLICATION_EVENT"
	case KindAck:
		return "ACK"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindFragment:
		return "FRAGMENT"
	default:
		return "UNKNOWN"
	}
}

// WireType returns the value of the "type" field used for the kind.
func (k Kind) WireType() string {
	switch k {
	case KindEvent:
		return TypeEvent
	case KindAck:
		return TypeAck
	case KindHeartbeat:
		return TypeHeartbeat
	case KindFragment:
		return TypeChunk
	default:
		return ""
	}
}

// ParseKind maps a wire "type" value to a Kind. Both S2S_EVENT and
// S2S_RESPONSE are application events.
func ParseKind(wireType string) Kind {
	switch wireType {
	case TypeEvent, TypeResponse:
		return KindEvent
	case TypeAck:
		return KindAck
	case TypeHeartbeat:
		return KindHeartbeat
	case TypeChunk:
		return KindFragment
	default:
		return KindUnknown
	}
}

// Frame is one wire-level unit exchanged over a channel.
//
// Only the fields relevant to Kind are populated: Sequence, RequireAck and
// Payload for events; MessageID for acknowledgments; ResponseTo for heartbeat
// responses; the Group* and Chunk* fields for fragments.
type Frame struct {
	ID         string
	Kind       Kind
	Timestamp  time.Time
	Sequence   uint64
	RequireAck bool
	Payload    json.RawMessage

	MessageID  string
	ResponseTo string

	GroupID    string
	ChunkIndex int
	ChunkTotal int
	Last       bool
	Data       []byte
}

// IsHeartbeatResponse reports whether a heartbeat frame answers a probe.
func (f *Frame) IsHeartbeatResponse() bool {
	return f.Kind == KindHeartbeat && f.ResponseTo != ""
}

// Message is an application event handed to observers after ordering.
type Message struct {
	ID         string
	ClientID   string
	Type       string
	Sequence   uint64
	RequireAck bool
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// NewEventFrame builds an application event frame with a fresh id.
func NewEventFrame(payload json.RawMessage, requireAck bool) *Frame {
	return &Frame{
		ID:         NewID(),
		Kind:       KindEvent,
		Timestamp:  time.Now(),
		RequireAck: requireAck,
		Payload:    payload,
	}
}

// NewAckFrame builds an acknowledgment for messageID.
func NewAckFrame(messageID string) *Frame {
	return &Frame{
		ID:        NewID(),
		Kind:      KindAck,
		Timestamp: time.Now(),
		MessageID: messageID,
	}
}

// NewHeartbeatFrame builds a heartbeat probe, or a response when responseTo
// is set.
func NewHeartbeatFrame(responseTo string) *Frame {
	return &Frame{
		ID:         NewID(),
		Kind:       KindHeartbeat,
		Timestamp:  time.Now(),
		ResponseTo: responseTo,
	}
}
