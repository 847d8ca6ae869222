// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per source IP and inbound
// frames per client.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

const defaultCleanupInterval = 5 * time.Minute

// IPRateLimiter limits connection attempts per source IP. Idle IPs are
// forgotten after two cleanup intervals.
type IPRateLimiter struct {
	set      *bucketSet
	interval time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

// NewIPRateLimiter allows r connections per second per IP with the given
// burst.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	l := &IPRateLimiter{
		set:      newBucketSet(r, burst),
		interval: cleanupInterval,
		stop:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	return l.AllowIP(extractIP(addr))
}

// AllowIP is Allow for a bare IP. An unknown source is never throttled.
func (l *IPRateLimiter) AllowIP(ip string) bool {
	if ip == "" {
		return true
	}
	return l.set.allow(ip, time.Now())
}

func (l *IPRateLimiter) sweep() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.cleanupStale(now)
		case <-l.stop:
			return
		}
	}
}

func (l *IPRateLimiter) cleanupStale(now time.Time) {
	l.set.evictBefore(now.Add(-2 * l.interval))
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	return l.set.len()
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// ClientRateLimiter limits inbound frames per client ID. Buckets live until
// RemoveClient.
type ClientRateLimiter struct {
	set *bucketSet
}

func NewClientRateLimiter(messageRate float64, messageBurst int) *ClientRateLimiter {
	return &ClientRateLimiter{set: newBucketSet(messageRate, messageBurst)}
}

// AllowMessage reports whether one more frame from clientID may be handled.
func (l *ClientRateLimiter) AllowMessage(clientID string) bool {
	return l.set.allow(clientID, time.Now())
}

// RemoveClient forgets the bucket of a departed client.
func (l *ClientRateLimiter) RemoveClient(clientID string) {
	l.set.remove(clientID)
}

func extractIP(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		return hostOf(addr.String())
	}
}

// hostOf strips the port of a host:port string.
func hostOf(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
