// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
)

var _ Cache = (*ShardedCache)(nil)

// Cache indexes live sessions by client id.
type Cache interface {
	// Get returns the session of clientID, or nil.
	Get(clientID string) *Session

	// Add stores s unless clientID is taken. It returns the session that
	// ends up cached and whether s was stored.
	Add(clientID string, s *Session) (*Session, bool)

	// Delete removes s if it is still the cached session of clientID.
	Delete(clientID string, s *Session) bool

	// Sessions returns a snapshot of all cached sessions.
	Sessions() []*Session

	// Count returns the number of cached sessions.
	Count() int

	// ConnectedCount returns the number of sessions with an open channel.
	ConnectedCount() int
}

const numShards = 64

type cacheShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// ShardedCache spreads sessions over shards with their own locks, so
// unrelated clients attaching and detaching do not contend.
type ShardedCache struct {
	shards [numShards]cacheShard
	count  atomic.Int64
}

// NewShardedCache creates an empty cache.
func NewShardedCache() *ShardedCache {
	c := &ShardedCache{}
	for i := range c.shards {
		c.shards[i].sessions = make(map[string]*Session)
	}
	return c
}

func (c *ShardedCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%numShards]
}

func (c *ShardedCache) Get(clientID string) *Session {
	sh := c.shard(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[clientID]
}

func (c *ShardedCache) Add(clientID string, s *Session) (*Session, bool) {
	sh := c.shard(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.sessions[clientID]; ok {
		return existing, false
	}
	sh.sessions[clientID] = s
	c.count.Add(1)
	return s, true
}

func (c *ShardedCache) Delete(clientID string, s *Session) bool {
	sh := c.shard(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.sessions[clientID]; ok && existing == s {
		delete(sh.sessions, clientID)
		c.count.Add(-1)
		return true
	}
	return false
}

// Sessions returns the cached sessions ordered by client id.
func (c *ShardedCache) Sessions() []*Session {
	out := make([]*Session, 0, c.Count())
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b *Session) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (c *ShardedCache) Count() int {
	return int(c.count.Load())
}

func (c *ShardedCache) ConnectedCount() int {
	count := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if s.IsConnected() {
				count++
			}
		}
		sh.mu.RUnlock()
	}
	return count
}
