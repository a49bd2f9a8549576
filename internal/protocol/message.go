// Package protocol decodes the server's WebSocket frames and routes them to
// the task, state and lock stores.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/devsync/internal/store"
)

// MessageType is the discriminator carried in every frame's "type" field.
type MessageType string

const (
	TypeProgress        MessageType = "PROGRESS"
	TypeYield           MessageType = "YIELD"
	TypeDone            MessageType = "DONE"
	TypeError           MessageType = "ERROR"
	TypeCritical        MessageType = "CRITICAL"
	TypePaused          MessageType = "PAUSED"
	TypeResumed         MessageType = "RESUMED"
	TypeCancelled       MessageType = "CANCELLED"
	TypeInterrupted     MessageType = "INTERRUPTED"
	TypeLock            MessageType = "LOCK"
	TypeUnlock          MessageType = "UNLOCK"
	TypeStateUpdate     MessageType = "STATE_UPDATE"
	TypeStatePatch      MessageType = "STATE_PATCH"
	TypeLog             MessageType = "LOG"
	TypeRegister        MessageType = "REGISTER"
	TypeHeartbeatAnswer MessageType = "HEARTBEAT_ANSWER"
	TypeStepped         MessageType = "STEPPED"
)

// TaskScoped reports whether frames of this type mutate a task record.
func (t MessageType) TaskScoped() bool {
	switch t {
	case TypeProgress, TypeYield, TypeDone, TypeError, TypeCritical,
		TypePaused, TypeResumed, TypeCancelled, TypeInterrupted:
		return true
	}
	return false
}

// Message is one inbound frame. Only the fields relevant to Type are set.
type Message struct {
	Type        MessageType     `json:"type"`
	Assignation string          `json:"assignation,omitempty"`
	Progress    *float64        `json:"progress,omitempty"`
	Message     string          `json:"message,omitempty"`
	Returns     json.RawMessage `json:"returns,omitempty"`
	Error       string          `json:"error,omitempty"`
	Key         string          `json:"key,omitempty"`
	State       string          `json:"state,omitempty"`
	Interface   string          `json:"interface,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Patch       json.RawMessage `json:"patch,omitempty"`
	Level       string          `json:"level,omitempty"`
}

// ErrMissingType is returned for frames without a type discriminator.
var ErrMissingType = errors.New("frame has no type")

// Decode parses one frame.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// StateKey returns the state name from "state", falling back to "interface".
func (m Message) StateKey() string {
	if m.State != "" {
		return m.State
	}
	return m.Interface
}

// ProgressPercent returns the progress clamped to 0..100.
func (m Message) ProgressPercent() (int, bool) {
	if m.Progress == nil {
		return 0, false
	}
	return store.ClampProgress(*m.Progress), true
}

// PatchOps returns the RFC 6902 operation array. On the wire the patch is a
// JSON-encoded string; an inline array is accepted as well.
func (m Message) PatchOps() (json.RawMessage, error) {
	raw := bytes.TrimSpace(m.Patch)
	if len(raw) == 0 {
		return nil, errors.New("patch missing")
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode patch string: %w", err)
	}
	return json.RawMessage(s), nil
}
