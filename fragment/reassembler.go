// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fragment

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Reassembly defaults.
const (
	DefaultGroupTTL      = 30 * time.Second
	DefaultMaxGroups     = 100
	DefaultMaxChunks     = 4096
	DefaultCompletedSize = 256
)

// Status is the outcome of adding a chunk.
type Status int

const (
	// Pending means the group still misses chunks.
	Pending Status = iota
	// Complete means the chunk finished the group.
	Complete
	// Duplicate means the chunk belongs to a recently completed group.
	Duplicate
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Config bounds reassembly state. Zero values select the defaults.
type Config struct {
	GroupTTL      time.Duration
	MaxGroups     int
	MaxChunks     int
	CompletedSize int
}

type group struct {
	chunks    [][]byte
	have      []bool
	received  int
	createdAt time.Time
}

// Reassembler accumulates chunks per group. It is not safe for concurrent
// use; a session owns exactly one.
type Reassembler struct {
	cfg       Config
	groups    map[string]*group
	completed *lru.Cache[string, struct{}]
}

// NewReassembler creates a reassembler.
func NewReassembler(cfg Config) *Reassembler {
	if cfg.GroupTTL <= 0 {
		cfg.GroupTTL = DefaultGroupTTL
	}
	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = DefaultMaxGroups
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	if cfg.CompletedSize <= 0 {
		cfg.CompletedSize = DefaultCompletedSize
	}

	completed, _ := lru.New[string, struct{}](cfg.CompletedSize)
	return &Reassembler{
		cfg:       cfg,
		groups:    make(map[string]*group),
		completed: completed,
	}
}

// Add stores a chunk. On Complete the reassembled bytes are returned and the
// group is released. Repeated indices overwrite earlier copies.
func (r *Reassembler) Add(c Chunk, now time.Time) (Status, []byte, error) {
	if c.GroupID == "" || c.Total <= 0 || c.Index < 0 || c.Index >= c.Total {
		return Pending, nil, fmt.Errorf("%w: group %q index %d of %d", ErrInvalidChunk, c.GroupID, c.Index, c.Total)
	}
	if c.Total > r.cfg.MaxChunks {
		return Pending, nil, fmt.Errorf("%w: %d > %d", ErrTooManyChunks, c.Total, r.cfg.MaxChunks)
	}

	g, ok := r.groups[c.GroupID]
	if !ok {
		if r.completed.Contains(c.GroupID) {
			return Duplicate, nil, nil
		}
		if len(r.groups) >= r.cfg.MaxGroups {
			return Pending, nil, ErrTooManyGroups
		}
		g = &group{
			chunks:    make([][]byte, c.Total),
			have:      make([]bool, c.Total),
			createdAt: now,
		}
		r.groups[c.GroupID] = g
	}

	if len(g.chunks) != c.Total {
		return Pending, nil, fmt.Errorf("%w: group %q expects %d chunks, got total %d", ErrInvalidChunk, c.GroupID, len(g.chunks), c.Total)
	}

	g.chunks[c.Index] = bytes.Clone(c.Data)
	if !g.have[c.Index] {
		g.have[c.Index] = true
		g.received++
	}

	if g.received < c.Total {
		return Pending, nil, nil
	}

	delete(r.groups, c.GroupID)
	r.completed.Add(c.GroupID, struct{}{})
	return Complete, bytes.Join(g.chunks, nil), nil
}

// Expire drops groups older than the TTL and returns their ids in sorted order.
func (r *Reassembler) Expire(now time.Time) []string {
	var expired []string
	for id, g := range r.groups {
		if now.Sub(g.createdAt) >= r.cfg.GroupTTL {
			delete(r.groups, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Len returns the number of partial groups held.
func (r *Reassembler) Len() int {
	return len(r.groups)
}

// Reset drops all partial and completed group state.
func (r *Reassembler) Reset() {
	r.groups = make(map[string]*group)
	r.completed.Purge()
}
