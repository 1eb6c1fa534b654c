/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"sync"

	"virtual-settlement-go/internal/metrics"
)

// message is one unit of work executed on the engine loop.
type message func()

// mailbox is an unbounded FIFO of messages with a single consumer.
//
// Enqueue may be called from any goroutine. The signal channel has a buffer of one so that
// multiple enqueues coalesce into one wakeup; the consumer drains with TryDequeue.
type mailbox struct {
	mu       sync.Mutex
	messages []message
	closed   bool
	signal   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		messages: make([]message, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue returns false if the mailbox is closed.
func (m *mailbox) Enqueue(msg message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.messages = append(m.messages, msg)
	metrics.MailboxDepth.Set(float64(len(m.messages)))

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) TryDequeue() (message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.messages) == 0 {
		return nil, false
	}
	msg := m.messages[0]
	m.messages[0] = nil
	if len(m.messages) == 1 {
		m.messages = m.messages[:0]
	} else {
		m.messages = m.messages[1:]
	}
	metrics.MailboxDepth.Set(float64(len(m.messages)))
	return msg, true
}

// Wait returns a channel that receives when messages may be available.
// It is closed once the mailbox is closed.
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Close rejects further enqueues and wakes the consumer.
func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
