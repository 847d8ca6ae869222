// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fragment splits oversize frames into bounded chunks and
// reassembles them on the receiving side.
package fragment

import (
	"errors"
	"fmt"
)

// DefaultChunkSize is the raw chunk size. Chunk data travels base64 encoded,
// so a default chunk occupies 60000 bytes of the frame.
const DefaultChunkSize = 45000

var (
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrInvalidChunk     = errors.New("invalid chunk")
	ErrTooManyChunks    = errors.New("chunk count exceeds limit")
	ErrTooManyGroups    = errors.New("too many concurrent reassembly groups")
)

// Chunk is one piece of a fragment group.
type Chunk struct {
	GroupID    string
	Index      int
	Total      int
	Last       bool
	Data       []byte
	RequireAck bool
}

// Count returns the number of chunks needed for n bytes.
func Count(n, size int) int {
	if n <= 0 {
		return 1
	}
	return (n + size - 1) / size
}

// Split cuts data into chunks of at most size bytes. Every chunk shares
// groupID, the final one is flagged Last and only it carries requireAck.
// An empty input yields a single empty chunk.
func Split(groupID string, data []byte, size int, requireAck bool) ([]Chunk, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if groupID == "" {
		return nil, fmt.Errorf("%w: empty group id", ErrInvalidChunk)
	}

	total := Count(len(data), size)
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(data))
		last := i == total-1
		chunks = append(chunks, Chunk{
			GroupID:    groupID,
			Index:      i,
			Total:      total,
			Last:       last,
			Data:       data[start:end],
			RequireAck: requireAck && last,
		})
	}
	return chunks, nil
}
