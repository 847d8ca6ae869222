// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fragment

import (
	"bytes"
	crand "crypto/rand"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := crand.Read(b)
	require.NoError(t, err)
	return b
}

func TestSplitCounts(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		chunk int
		want  int
	}{
		{"empty", 0, 10, 1},
		{"smaller than chunk", 5, 10, 1},
		{"exact", 10, 10, 1},
		{"one over", 11, 10, 2},
		{"200KB at 60KB", 200 * 1024, 60 * 1024, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Split("g", make([]byte, tt.size), tt.chunk, true)
			require.NoError(t, err)
			require.Len(t, chunks, tt.want)

			for i, c := range chunks {
				assert.Equal(t, "g", c.GroupID)
				assert.Equal(t, i, c.Index)
				assert.Equal(t, tt.want, c.Total)
				assert.LessOrEqual(t, len(c.Data), tt.chunk)
				last := i == len(chunks)-1
				assert.Equal(t, last, c.Last)
				assert.Equal(t, last, c.RequireAck)
			}
		})
	}
}

func TestSplitInvalid(t *testing.T) {
	_, err := Split("g", []byte("x"), 0, false)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = Split("", []byte("x"), 1, false)
	assert.ErrorIs(t, err, ErrInvalidChunk)
}

func TestSplitWithoutAck(t *testing.T) {
	chunks, err := Split("g", make([]byte, 25), 10, false)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.False(t, c.RequireAck)
	}
}

func TestRoundTrip(t *testing.T) {
	const chunkSize = 1000
	now := time.Now()

	for _, size := range []int{0, 1, 999, 1000, 1001, 2500, 5 * chunkSize, 7*chunkSize + 13} {
		payload := randomBytes(t, size)
		chunks, err := Split("group", payload, chunkSize, false)
		require.NoError(t, err)

		r := NewReassembler(Config{})
		var (
			status Status
			out    []byte
		)
		for _, c := range chunks {
			status, out, err = r.Add(c, now)
			require.NoError(t, err)
		}
		require.Equal(t, Complete, status, "size %d", size)
		assert.True(t, bytes.Equal(payload, out), "size %d", size)
		assert.Zero(t, r.Len())
	}
}

func TestReassembleShuffledWithDuplicates(t *testing.T) {
	payload := randomBytes(t, 200*1024)
	chunks, err := Split("big", payload, 60*1024, true)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	delivery := append([]Chunk{}, chunks...)
	delivery = append(delivery, chunks[1], chunks[2])
	rand.Shuffle(len(delivery), func(i, j int) { delivery[i], delivery[j] = delivery[j], delivery[i] })

	r := NewReassembler(Config{})
	completions := 0
	var out []byte
	for _, c := range delivery {
		status, data, err := r.Add(c, time.Now())
		require.NoError(t, err)
		if status == Complete {
			completions++
			out = data
		}
	}

	assert.Equal(t, 1, completions)
	assert.Equal(t, payload, out)
}

func TestReassembleDuplicateAfterComplete(t *testing.T) {
	chunks, err := Split("g", []byte("hello world"), 4, true)
	require.NoError(t, err)

	r := NewReassembler(Config{})
	for _, c := range chunks {
		_, _, err := r.Add(c, time.Now())
		require.NoError(t, err)
	}

	status, data, err := r.Add(chunks[len(chunks)-1], time.Now())
	require.NoError(t, err)
	assert.Equal(t, Duplicate, status)
	assert.Nil(t, data)
	assert.Zero(t, r.Len())
}

func TestReassembleNeverDeliversPartialGroup(t *testing.T) {
	chunks, err := Split("g", []byte("abcdefghij"), 3, false)
	require.NoError(t, err)

	r := NewReassembler(Config{})
	for _, c := range chunks[:len(chunks)-1] {
		status, data, err := r.Add(c, time.Now())
		require.NoError(t, err)
		assert.Equal(t, Pending, status)
		assert.Nil(t, data)
	}
	assert.Equal(t, 1, r.Len())
}

func TestReassembleRejectsInvalidChunks(t *testing.T) {
	r := NewReassembler(Config{MaxChunks: 10, MaxGroups: 1})

	_, _, err := r.Add(Chunk{GroupID: "g", Index: 3, Total: 3}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, _, err = r.Add(Chunk{GroupID: "g", Index: 0, Total: 11}, time.Now())
	assert.ErrorIs(t, err, ErrTooManyChunks)

	_, _, err = r.Add(Chunk{GroupID: "g", Index: 0, Total: 2}, time.Now())
	require.NoError(t, err)

	_, _, err = r.Add(Chunk{GroupID: "g", Index: 1, Total: 3}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, _, err = r.Add(Chunk{GroupID: "other", Index: 0, Total: 2}, time.Now())
	assert.ErrorIs(t, err, ErrTooManyGroups)
}

func TestExpire(t *testing.T) {
	r := NewReassembler(Config{GroupTTL: time.Minute})
	start := time.Now()

	_, _, err := r.Add(Chunk{GroupID: "b", Index: 0, Total: 2}, start)
	require.NoError(t, err)
	_, _, err = r.Add(Chunk{GroupID: "a", Index: 0, Total: 2}, start)
	require.NoError(t, err)
	_, _, err = r.Add(Chunk{GroupID: "c", Index: 0, Total: 2}, start.Add(45*time.Second))
	require.NoError(t, err)

	assert.Empty(t, r.Expire(start.Add(30*time.Second)))
	assert.Equal(t, []string{"a", "b"}, r.Expire(start.Add(time.Minute)))
	assert.Equal(t, 1, r.Len())

	r.Reset()
	assert.Zero(t, r.Len())
}

func TestReassembleCopiesChunkData(t *testing.T) {
	r := NewReassembler(Config{})
	buf := []byte("ab")
	_, _, err := r.Add(Chunk{GroupID: "g", Index: 0, Total: 2, Data: buf}, time.Now())
	require.NoError(t, err)
	buf[0] = 'x'

	status, out, err := r.Add(Chunk{GroupID: "g", Index: 1, Total: 2, Last: true, Data: []byte("cd")}, time.Now())
	require.NoError(t, err)
	require.Equal(t, Complete, status)
	assert.Equal(t, "abcd", string(out))
}
