// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus declares the publish/subscribe capability the supervisor
// consumes and provides a CBOR envelope codec for everything published on
// it. The transport itself (NATS, a message broker, whatever backs
// production) is an external collaborator; this package only defines the
// interface the rest of the supervisor programs against and an in-memory
// implementation for tests.
package bus

import (
	"context"
	"time"

	"github.com/gbe-systems/sentinel/lib/codec"
)

// Message is one delivered item from a subscription. Ack/Nak settle it;
// exactly one of them must be called per delivery.
type Message struct {
	Subject string
	Data    []byte
	Ack     func()
	Nak     func()
}

// Transport is the capability set {subscribe, publish, ack, nak} from
// spec.md §9. Implementations must be safe for concurrent use by many
// owners; the supervisor never serializes access through a single mutex.
type Transport interface {
	// Subscribe delivers messages for subject under consumer group group
	// onto the returned channel, with inflight bounded by maxInflight. The
	// channel closes when ctx is cancelled or the subscription fails
	// fatally.
	Subscribe(ctx context.Context, subject, group string, maxInflight int) (<-chan Message, error)

	// Publish sends data on subject. Implementations may buffer but must
	// not silently drop without returning an error.
	Publish(ctx context.Context, subject string, data []byte) error
}

// Envelope wraps every payload published by the supervisor: progress,
// terminal, health, and capacity events all carry a trace id copied from
// the inbound task envelope when one exists (spec.md §6).
type Envelope struct {
	TraceID   string `cbor:"trace_id,omitempty"`
	Timestamp int64  `cbor:"ts"`
	Body      any    `cbor:"body"`
}

// Encode serializes an Envelope using lib/codec's deterministic CBOR
// encoding.
func Encode(traceID string, now time.Time, body any) ([]byte, error) {
	return codec.Marshal(Envelope{
		TraceID:   traceID,
		Timestamp: now.UnixMilli(),
		Body:      body,
	})
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := codec.Unmarshal(data, &env)
	return env, err
}

// ProgressBody is the payload of a `{namespace}.tasks.{type}.progress`
// publish.
type ProgressBody struct {
	ID   string `cbor:"id"`
	Step string `cbor:"step"`
}

// TerminalBody is the payload of a `{namespace}.tasks.{type}.terminal`
// publish.
type TerminalBody struct {
	ID        string `cbor:"id"`
	State     string `cbor:"state"`
	Error     string `cbor:"error,omitempty"`
	ResultRef string `cbor:"result_ref,omitempty"`
}

// HealthBody is the payload of a `{namespace}.events.sentinel.{host_id}.health`
// publish.
type HealthBody struct {
	Uptime float64 `cbor:"uptime"`
	Used   int     `cbor:"used"`
	Total  int     `cbor:"total"`
}

// CapacityBody is the payload of a
// `{namespace}.events.sentinel.{host_id}.capacity` publish.
type CapacityBody struct {
	Used  int `cbor:"used"`
	Total int `cbor:"total"`
}

// Subjects builds the bus subjects for a namespace, following spec.md §6.
type Subjects struct {
	Namespace string
}

func (s Subjects) TaskQueue(taskType string) string    { return s.Namespace + ".tasks." + taskType + ".queue" }
func (s Subjects) TaskGroup(taskType string) string    { return taskType + "-workers" }
func (s Subjects) TaskProgress(taskType string) string { return s.Namespace + ".tasks." + taskType + ".progress" }
func (s Subjects) TaskTerminal(taskType string) string { return s.Namespace + ".tasks." + taskType + ".terminal" }
func (s Subjects) Health(hostID string) string {
	return s.Namespace + ".events.sentinel." + hostID + ".health"
}
func (s Subjects) Capacity(hostID string) string {
	return s.Namespace + ".events.sentinel." + hostID + ".capacity"
}
