// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/eventbridge/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEventFrame(t *testing.T) {
	f := &core.Frame{
		ID:         "msg_1_abcdef01",
		Kind:       core.KindEvent,
		Timestamp:  time.UnixMilli(1700000000000),
		Sequence:   7,
		RequireAck: true,
		Payload:    json.RawMessage(`{"event":{"textInput":{"content":"<hi>"}}}`),
	}

	data, err := Encode(f)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "S2S_EVENT", wire["type"])
	assert.Equal(t, float64(7), wire["sequenceNumber"])
	assert.Equal(t, true, wire["requireAck"])
	assert.Equal(t, float64(1700000000000), wire["timestamp"])
	assert.NotContains(t, wire, "messageId")
	assert.Contains(t, string(data), "<hi>")
	assert.NotEqual(t, byte('\n'), data[len(data)-1])
}

func TestEncodeChunkFrameKeepsZeroIndex(t *testing.T) {
	f := &core.Frame{
		ID:         "msg_2_00000000",
		Kind:       core.KindFragment,
		GroupID:    "msg_1_abcdef01",
		ChunkIndex: 0,
		ChunkTotal: 3,
		Data:       []byte("part"),
	}

	data, err := Encode(f)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "CHUNK", wire["type"])
	assert.Equal(t, float64(0), wire["chunkIndex"])
	assert.Equal(t, float64(3), wire["totalChunks"])
	assert.Equal(t, false, wire["isLast"])
	assert.NotContains(t, wire, "requireAck")
}

func TestDecodeFrames(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, f *core.Frame)
	}{
		{
			name:  "event",
			input: `{"id":"a","type":"S2S_EVENT","timestamp":1700000000000,"sequenceNumber":3,"requireAck":true,"event":{"event":{"sessionStart":{}}}}`,
			check: func(t *testing.T, f *core.Frame) {
				assert.Equal(t, core.KindEvent, f.Kind)
				assert.Equal(t, uint64(3), f.Sequence)
				assert.True(t, f.RequireAck)
				assert.Equal(t, int64(1700000000000), f.Timestamp.UnixMilli())
			},
		},
		{
			name:  "response alias",
			input: `{"id":"a","type":"S2S_RESPONSE","event":{"type":"x"}}`,
			check: func(t *testing.T, f *core.Frame) {
				assert.Equal(t, core.KindEvent, f.Kind)
				assert.Zero(t, f.Sequence)
			},
		},
		{
			name:  "raw event without type",
			input: `{"event":{"event":{"audioInput":{}}}}`,
			check: func(t *testing.T, f *core.Frame) {
				assert.Equal(t, core.KindEvent, f.Kind)
				assert.Empty(t, f.ID)
			},
		},
		{
			name:  "ack",
			input: `{"id":"b","type":"ACK","messageId":"a","timestamp":1}`,
			check: func(t *testing.T, f *core.Frame) {
				assert.Equal(t, core.KindAck, f.Kind)
				assert.Equal(t, "a", f.MessageID)
			},
		},
		{
			name:  "heartbeat response",
			input: `{"id":"c","type":"HEARTBEAT","responseToId":"p"}`,
			check: func(t *testing.T, f *core.Frame) {
				assert.True(t, f.IsHeartbeatResponse())
			},
		},
		{
			name:  "chunk",
			input: `{"id":"d","type":"CHUNK","chunkId":"g","chunkIndex":1,"totalChunks":2,"isLast":true,"data":"aGk=","requireAck":true}`,
			check: func(t *testing.T, f *core.Frame) {
				assert.Equal(t, core.KindFragment, f.Kind)
				assert.Equal(t, "g", f.GroupID)
				assert.Equal(t, 1, f.ChunkIndex)
				assert.Equal(t, 2, f.ChunkTotal)
				assert.True(t, f.Last)
				assert.Equal(t, []byte("hi"), f.Data)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			tt.check(t, f)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"not json", `{"id":`, core.ErrMalformedFrame},
		{"unknown type", `{"id":"a","type":"PUBLISH"}`, ErrUnknownType},
		{"event without payload", `{"id":"a","type":"S2S_EVENT"}`, ErrMissingEvent},
		{"null payload", `{"id":"a","type":"S2S_EVENT","event":null}`, ErrMissingEvent},
		{"ack without target", `{"id":"a","type":"ACK"}`, ErrMissingMessageID},
		{"heartbeat without id", `{"type":"HEARTBEAT"}`, ErrMissingID},
		{"chunk without index", `{"id":"a","type":"CHUNK","chunkId":"g","totalChunks":2,"data":""}`, ErrInvalidChunk},
		{"chunk index out of range", `{"id":"a","type":"CHUNK","chunkId":"g","chunkIndex":2,"totalChunks":2,"data":""}`, ErrInvalidChunk},
		{"chunk zero total", `{"id":"a","type":"CHUNK","chunkId":"g","chunkIndex":0,"totalChunks":0,"data":""}`, ErrInvalidChunk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, core.ErrMalformedFrame)
		})
	}
}

func TestEncodeDecodeChunkData(t *testing.T) {
	raw := []byte{0, 1, 2, '"', '\\', 0xff}
	data, err := Encode(&core.Frame{ID: "x", Kind: core.KindFragment, GroupID: "g", ChunkTotal: 1, Last: true, Data: raw})
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, raw, f.Data)
}

func TestEncodeUnknownKind(t *testing.T) {
	_, err := Encode(&core.Frame{ID: "x"})
	assert.Error(t, err)
}

func TestEventType(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"event":{"sessionStart":{"a":1},"other":{}}}`, "sessionStart"},
		{`{"event":{"zeta":{},"alpha":{}}}`, "zeta"},
		{`{"type":"textOutput","content":"hi"}`, "textOutput"},
		{`{"event":{}}`, UnknownEventType},
		{`{"event":"string"}`, UnknownEventType},
		{`[1,2]`, UnknownEventType},
		{`{"type":5}`, UnknownEventType},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EventType(json.RawMessage(tt.payload)), tt.payload)
	}
}

func TestPayloadType(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"sessionStart":{"a":1},"other":{}}`, "sessionStart"},
		{`{"type":"textOutput","content":"hi"}`, "textOutput"},
		{`{"type":7}`, UnknownEventType},
		{`{}`, UnknownEventType},
		{`"text"`, UnknownEventType},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PayloadType(json.RawMessage(tt.payload)), tt.payload)
	}
}
