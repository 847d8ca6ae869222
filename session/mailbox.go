// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "sync"

// mailbox is the unbounded task queue of a session loop. Posting never
// blocks, so timers, transports and handlers running on the loop itself can
// all schedule work.
type mailbox struct {
	mu     sync.Mutex
	tasks  []func()
	notify chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
	}
}

// post schedules fn. It returns false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.tasks = append(m.tasks, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns all scheduled tasks.
func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := m.tasks
	m.tasks = nil
	return tasks
}

// close rejects further posts and returns the tasks still scheduled.
func (m *mailbox) close() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	tasks := m.tasks
	m.tasks = nil
	return tasks
}
