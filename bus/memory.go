// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Transport = (*Memory)(nil)

// Memory is an in-process Transport for tests. Subjects map to a slice of
// subscriber channels; Publish fans out to every current subscriber on
// that exact subject string (no wildcard matching — tests subscribe to
// the concrete subject they expect). Ack/Nak on delivered messages record
// calls so tests can assert on claim outcomes.
type Memory struct {
	mu          sync.Mutex
	subscribers map[string][]chan Message
	published   []PublishedRecord
	acked       int
	naked       int
}

// PublishedRecord captures one Publish call for test assertions.
type PublishedRecord struct {
	Subject string
	Data    []byte
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subscribers: make(map[string][]chan Message)}
}

func (m *Memory) Subscribe(ctx context.Context, subject, group string, maxInflight int) (<-chan Message, error) {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	ch := make(chan Message, maxInflight)

	m.mu.Lock()
	m.subscribers[subject] = append(m.subscribers[subject], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[subject]
		for i, candidate := range subs {
			if candidate == ch {
				m.subscribers[subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	m.published = append(m.published, PublishedRecord{Subject: subject, Data: data})
	subs := append([]chan Message(nil), m.subscribers[subject]...)
	m.mu.Unlock()

	for _, ch := range subs {
		msg := Message{
			Subject: subject,
			Data:    data,
			Ack:     m.recordAck,
			Nak:     m.recordNak,
		}
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) recordAck() {
	m.mu.Lock()
	m.acked++
	m.mu.Unlock()
}

func (m *Memory) recordNak() {
	m.mu.Lock()
	m.naked++
	m.mu.Unlock()
}

// Published returns every Publish call recorded so far, in order.
func (m *Memory) Published() []PublishedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedRecord(nil), m.published...)
}

// Counts returns the number of Ack and Nak calls observed so far.
func (m *Memory) Counts() (acked, naked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.naked
}
