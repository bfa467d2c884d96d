// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the Host/Guest Channel Multiplexer
// (spec.md §4.8): a single listener on the guest-facing socket family,
// demultiplexing JSON-lines messages to the Lifecycle Coordinator that
// owns the connecting VM's CID.
package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gbe-systems/sentinel/sentinelerr"
)

// Inbound is one parsed guest-to-host message, tagged with its type.
type Inbound struct {
	Type string
	Raw  json.RawMessage
}

// Progress is a guest → host `progress` message.
type Progress struct {
	ID     string          `json:"id"`
	Step   string          `json:"step"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Result is a guest → host `result` message.
type Result struct {
	ID       string `json:"id"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// GuestError is a guest → host `error` message.
type GuestError struct {
	ID       string `json:"id"`
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

// ToolCall is a guest → host `tool_call` message.
type ToolCall struct {
	ID     string          `json:"id"`
	CallID string          `json:"call_id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// Task is a host → guest `task` message.
type Task struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Tools   []string        `json:"tools,omitempty"`
}

// ToolResult is a host → guest `tool_result` message.
type ToolResult struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result"`
}

// ToolError is a host → guest `tool_error` message.
type ToolError struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	CallID string `json:"call_id"`
	Error  string `json:"error"`
}

// Inbox is the per-VM delivery point a Lifecycle Coordinator registers
// with the Multiplexer. Inbound carries every parsed message; Outbound
// is written by the Coordinator and framed out to the guest connection.
type Inbox struct {
	Inbound  chan Inbound
	Outbound chan any

	conn   net.Conn
	cancel context.CancelFunc
}

// Send enqueues a host → guest message for framing and delivery.
func (i *Inbox) Send(msg any) {
	select {
	case i.Outbound <- msg:
	default:
		// Outbound is only ever written by the owning Coordinator, so a
		// full buffer means a protocol bug upstream; drop rather than block
		// the Coordinator's own goroutine.
	}
}

// Counters tracks the Multiplexer's error paths for observability.
type Counters struct {
	UnknownCID     atomic.Int64
	MalformedLines atomic.Int64
}

// Multiplexer owns the guest-facing listener and the CID routing table.
type Multiplexer struct {
	Logger *slog.Logger

	mu     sync.RWMutex
	inboxes map[uint32]*Inbox

	Counters Counters
}

func New(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{Logger: logger, inboxes: make(map[uint32]*Inbox)}
}

// Register installs the inbox that will receive messages from cid's
// guest connection before that connection exists. Call this before
// launching the hypervisor so no message can race registration.
func (m *Multiplexer) Register(cid uint32) *Inbox {
	inbox := &Inbox{
		Inbound:  make(chan Inbound, 32),
		Outbound: make(chan any, 32),
	}
	m.mu.Lock()
	m.inboxes[cid] = inbox
	m.mu.Unlock()
	return inbox
}

// Deregister removes cid's inbox. Any connection still delivering for
// cid starts incrementing UnknownCID instead of erroring.
func (m *Multiplexer) Deregister(cid uint32) {
	m.mu.Lock()
	inbox, ok := m.inboxes[cid]
	delete(m.inboxes, cid)
	m.mu.Unlock()

	if ok {
		if inbox.cancel != nil {
			inbox.cancel()
		}
		close(inbox.Inbound)
	}
}

func (m *Multiplexer) inboxFor(cid uint32) (*Inbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inbox, ok := m.inboxes[cid]
	return inbox, ok
}

// Serve accepts guest connections on listener until ctx is cancelled.
// The connecting peer's CID is supplied by identifyCID, which for a
// vsock-backed listener reads it from the accepted connection's local
// address; tests substitute a fixed mapping.
func (m *Multiplexer) Serve(ctx context.Context, listener net.Listener, identifyCID func(net.Conn) (uint32, error)) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return sentinelerr.Wrap(sentinelerr.GuestProtocol, err)
			}
		}

		cid, err := identifyCID(conn)
		if err != nil {
			m.Logger.Warn("rejecting guest connection", "error", err)
			conn.Close()
			continue
		}

		connCtx, cancel := context.WithCancel(ctx)
		go m.handleConn(connCtx, cancel, cid, conn)
	}
}

func (m *Multiplexer) handleConn(ctx context.Context, cancel context.CancelFunc, cid uint32, conn net.Conn) {
	defer cancel()
	defer conn.Close()

	inbox, ok := m.inboxFor(cid)
	if !ok {
		m.Counters.UnknownCID.Add(1)
		m.Logger.Warn("guest connection for unregistered cid", "cid", cid)
		return
	}

	m.mu.Lock()
	inbox.conn = conn
	inbox.cancel = cancel
	m.mu.Unlock()

	go m.writeLoop(ctx, conn, inbox)
	m.readLoop(ctx, conn, cid, inbox)
}

func (m *Multiplexer) readLoop(ctx context.Context, conn net.Conn, cid uint32, inbox *Inbox) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			m.Counters.MalformedLines.Add(1)
			m.Logger.Warn("malformed guest line", "cid", cid, "error", err)
			return
		}

		if current, ok := m.inboxFor(cid); !ok || current != inbox {
			m.Counters.UnknownCID.Add(1)
			continue
		}

		msg := Inbound{Type: envelope.Type, Raw: append(json.RawMessage{}, line...)}
		select {
		case inbox.Inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Multiplexer) writeLoop(ctx context.Context, conn net.Conn, inbox *Inbox) {
	writer := bufio.NewWriter(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox.Outbound:
			encoded, err := json.Marshal(msg)
			if err != nil {
				m.Logger.Error("encoding outbound guest message", "error", err)
				continue
			}
			encoded = append(encoded, '\n')
			if _, err := writer.Write(encoded); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
		}
	}
}

// DecodeProgress, DecodeResult, DecodeGuestError, and DecodeToolCall parse
// an Inbound's Raw payload into the typed struct matching its Type.

func DecodeProgress(in Inbound) (Progress, error) {
	var p Progress
	if in.Type != "progress" {
		return p, fmt.Errorf("not a progress message: %s", in.Type)
	}
	err := json.Unmarshal(in.Raw, &p)
	return p, err
}

func DecodeResult(in Inbound) (Result, error) {
	var r Result
	if in.Type != "result" {
		return r, fmt.Errorf("not a result message: %s", in.Type)
	}
	err := json.Unmarshal(in.Raw, &r)
	return r, err
}

func DecodeGuestError(in Inbound) (GuestError, error) {
	var e GuestError
	if in.Type != "error" {
		return e, fmt.Errorf("not an error message: %s", in.Type)
	}
	err := json.Unmarshal(in.Raw, &e)
	return e, err
}

func DecodeToolCall(in Inbound) (ToolCall, error) {
	var c ToolCall
	if in.Type != "tool_call" {
		return c, fmt.Errorf("not a tool_call message: %s", in.Type)
	}
	err := json.Unmarshal(in.Raw, &c)
	return c, err
}
