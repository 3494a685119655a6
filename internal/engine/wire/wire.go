// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire implements the length-prefixed JSON-lines protocol the
// Orchestrator and a Worker Process speak over the worker's stdin/stdout
// pipes: work dispatch, control messages, and results all cross this
// boundary as framed JSON envelopes.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	// Orchestrator -> Worker
	TypeDispatch MessageType = "dispatch"
	TypeRecycle  MessageType = "recycle"
	TypeShutdown MessageType = "shutdown"

	// Worker -> Orchestrator
	TypeResult          MessageType = "result"
	TypeStateChange     MessageType = "state_change"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeExecutionStatus MessageType = "execution_status"
)

// Envelope is the outermost frame on the wire. Payload is re-marshaled by
// the caller into the concrete message type for MessageType.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DispatchPayload carries one execution to a Worker Process.
type DispatchPayload struct {
	ExecutionID   string         `json:"execution_id"`
	WorkflowID    string         `json:"workflow_id"`
	WorkflowOrgID string         `json:"workflow_org_id"`
	CodeRef       string         `json:"code_ref"`
	Params        map[string]any `json:"params"`
	TimeoutSecs   int            `json:"timeout_seconds"`
}

// RecyclePayload requests a Worker Process enter PendingKill.
type RecyclePayload struct {
	Reason string `json:"reason"`
}

// ResultPayload reports one execution's outcome.
type ResultPayload struct {
	Kind         string `json:"kind"` // "success" | "failure" | "stuck"
	ExecutionID  string `json:"execution_id"`
	Payload      any    `json:"payload,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	ElapsedMS    int64  `json:"elapsed_ms,omitempty"`
}

// StateChangePayload reports a Worker Process state transition.
type StateChangePayload struct {
	NewState string `json:"new_state"`
	Reason   string `json:"reason"`
}

// ExecutionStatusPayload reports one execution's status transition
// (Running -> Cancelling) ahead of its terminal ResultPayload.
type ExecutionStatusPayload struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// HeartbeatPayload is a periodic snapshot used by the Orchestrator to build
// its own heartbeat to the registry.
type HeartbeatPayload struct {
	PID                 int   `json:"pid"`
	CurrentExecutions   int   `json:"current_executions"`
	ExecutionsCompleted int64 `json:"executions_completed"`
}

// maxFrameSize bounds a single frame to guard against a corrupt length
// prefix exhausting memory.
const maxFrameSize = 16 * 1024 * 1024

// Writer frames and writes Envelopes onto an underlying stream. Safe for
// concurrent use by multiple goroutines.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w (typically a child process's Stdin or Stdout).
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames payload as msgType and writes it as a single length-prefixed
// JSON frame: a 4-byte big-endian length followed by that many bytes of
// JSON-encoded Envelope.
func (w *Writer) Write(msgType MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}

	env := Envelope{Type: msgType, Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(body), maxFrameSize)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// Reader reads length-prefixed Envelopes from an underlying stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r (typically a child process's Stdout or Stdin).
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read blocks until one full frame is available, or returns io.EOF when the
// stream is closed.
func (r *Reader) Read() (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r.r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return Envelope{}, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return Envelope{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env, nil
}

// Decode unmarshals an Envelope's Payload into v.
func Decode(env Envelope, v any) error {
	return json.Unmarshal(env.Payload, v)
}
