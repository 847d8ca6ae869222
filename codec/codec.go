// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec converts frames to and from their JSON wire representation.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/eventbridge/core"
	"github.com/absmach/eventbridge/internal/bufpool"
)

// Validation errors. All of them wrap core.ErrMalformedFrame.
var (
	ErrMissingID        = fmt.Errorf("%w: missing id", core.ErrMalformedFrame)
	ErrUnknownType      = fmt.Errorf("%w: unknown frame type", core.ErrMalformedFrame)
	ErrMissingEvent     = fmt.Errorf("%w: event frame without event", core.ErrMalformedFrame)
	ErrMissingMessageID = fmt.Errorf("%w: ack without messageId", core.ErrMalformedFrame)
	ErrInvalidChunk     = fmt.Errorf("%w: invalid chunk header", core.ErrMalformedFrame)
)

var errUnsupportedKind = errors.New("cannot encode frame of unknown kind")

type envelope struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	Sequence     uint64          `json:"sequenceNumber,omitempty"`
	RequireAck   bool            `json:"requireAck,omitempty"`
	Event        json.RawMessage `json:"event,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	ResponseToID string          `json:"responseToId,omitempty"`
}

type chunkEnvelope struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	ChunkID     string `json:"chunkId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	IsLast      bool   `json:"isLast"`
	Data        []byte `json:"data"`
	RequireAck  bool   `json:"requireAck,omitempty"`
}

// inbound is the union of every field a peer may send.
type inbound struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	Sequence     uint64          `json:"sequenceNumber"`
	RequireAck   bool            `json:"requireAck"`
	Event        json.RawMessage `json:"event"`
	MessageID    string          `json:"messageId"`
	ResponseToID string          `json:"responseToId"`
	ChunkID      string          `json:"chunkId"`
	ChunkIndex   *int            `json:"chunkIndex"`
	TotalChunks  *int            `json:"totalChunks"`
	IsLast       bool            `json:"isLast"`
	Data         []byte          `json:"data"`
}

// Encode serializes a frame. The returned slice is owned by the caller.
func Encode(f *core.Frame) ([]byte, error) {
	var v any
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch f.Kind {
	case core.KindEvent, core.KindAck, core.KindHeartbeat:
		v = envelope{
			ID:           f.ID,
			Type:         f.Kind.WireType(),
			Timestamp:    ts.UnixMilli(),
			Sequence:     f.Sequence,
			RequireAck:   f.RequireAck,
			Event:        f.Payload,
			MessageID:    f.MessageID,
			ResponseToID: f.ResponseTo,
		}
	case core.KindFragment:
		data := f.Data
		if data == nil {
			data = []byte{}
		}
		v = chunkEnvelope{
			ID:          f.ID,
			Type:        core.TypeChunk,
			Timestamp:   ts.UnixMilli(),
			ChunkID:     f.GroupID,
			ChunkIndex:  f.ChunkIndex,
			TotalChunks: f.ChunkTotal,
			IsLast:      f.Last,
			Data:        data,
			RequireAck:  f.RequireAck,
		}
	default:
		return nil, errUnsupportedKind
	}

	out, err := bufpool.MarshalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Kind, err)
	}
	return out, nil
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (*core.Frame, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformedFrame, err)
	}

	kind := core.ParseKind(in.Type)
	if in.Type == "" && len(in.Event) > 0 {
		// Raw events sent by clients that skip the envelope type.
		kind = core.KindEvent
	}

	f := &core.Frame{
		ID:         in.ID,
		Kind:       kind,
		Sequence:   in.Sequence,
		RequireAck: in.RequireAck,
	}
	if in.Timestamp > 0 {
		f.Timestamp = time.UnixMilli(in.Timestamp)
	}

	switch kind {
	case core.KindEvent:
		if len(in.Event) == 0 || bytes.Equal(in.Event, []byte("null")) {
			return nil, ErrMissingEvent
		}
		f.Payload = in.Event
	case core.KindAck:
		if in.MessageID == "" {
			return nil, ErrMissingMessageID
		}
		f.MessageID = in.MessageID
	case core.KindHeartbeat:
		if in.ID == "" {
			return nil, ErrMissingID
		}
		f.ResponseTo = in.ResponseToID
	case core.KindFragment:
		if in.ChunkID == "" || in.ChunkIndex == nil || in.TotalChunks == nil {
			return nil, ErrInvalidChunk
		}
		idx, total := *in.ChunkIndex, *in.TotalChunks
		if total <= 0 || idx < 0 || idx >= total {
			return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, idx, total)
		}
		f.GroupID = in.ChunkID
		f.ChunkIndex = idx
		f.ChunkTotal = total
		f.Last = in.IsLast
		f.Data = in.Data
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, in.Type)
	}

	return f, nil
}
