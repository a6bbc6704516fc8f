// Package protocol defines the frames exchanged on a broadcast topic. Every
// frame is a JSON object {event, sender, payload}; the payload shape depends
// on the event.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

const (
	EventPatch                = "patch"
	EventTyping               = "typing"
	EventSync                 = "sync"
	EventUpdate               = "update"
	EventAwareness            = "awareness"
	EventHeartbeat            = "heartbeat"
	EventCellSync             = "cell_sync"
	EventNotebookSyncRequest  = "notebook_sync_request"
	EventNotebookSyncResponse = "notebook_sync_response"

	// EventJoined is written by the relay once the websocket is subscribed.
	EventJoined = "joined"
)

const (
	SyncRequest  = "request"
	SyncResponse = "response"
)

const (
	ActionAdded   = "added"
	ActionDeleted = "deleted"
	ActionMoved   = "moved"
	ActionUpdated = "updated"
)

// Topic names. OT and CRDT buffers for the same document never share a topic.
func OTTopic(docID string) string { return docID }
func CRDTTopic(docID string) string { return "yjs_" + docID }
func NotebookTopic(notebookID string) string { return "notebook_" + notebookID }

type Frame struct {
	Event   string          `json:"event"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(event, sender string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	data, err := json.Marshal(Frame{Event: event, Sender: sender, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return data, nil
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	return f, nil
}

// Bind decodes the payload into target.
func (f Frame) Bind(target any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame has no payload", ErrMalformedEnvelope, f.Event)
	}
	if err := json.Unmarshal(f.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, f.Event, err)
	}
	return nil
}

type Patch struct {
	DocID    string `json:"docId"`
	Patch    string `json:"patch"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
	// Seq numbers the sender's patches; zero when the sender does not count.
	Seq      uint64 `json:"seq,omitempty"`
}

type Typing struct {
	DocID    string `json:"docId"`
	Typing   bool   `json:"typing"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

// OTSync is the OT bootstrap envelope. Version is the RFC 3339 time of the
// last change the sender knows about; empty means unknown.
type OTSync struct {
	Type        string  `json:"type"`
	DocID       string  `json:"docId"`
	Version     string  `json:"version,omitempty"`
	ClientID    string  `json:"clientId"`
	UserID      string  `json:"userId"`
	RequesterID string  `json:"requesterId"`
	Text        *string `json:"text,omitempty"`
	Timestamp   int64   `json:"timestamp,omitempty"`
}

type Update struct {
	DocID     string `json:"docId"`
	Update    []byte `json:"update"`
	ClientID  string `json:"clientId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type AwarenessState struct {
	UserID    string `json:"userId"`
	Editing   bool   `json:"editing"`
	Typing    bool   `json:"typing"`
	Timestamp int64  `json:"timestamp"`
}

// Awareness carries a nil State when the sender leaves.
type Awareness struct {
	DocID    string          `json:"docId"`
	ClientID string          `json:"clientId"`
	UserID   string          `json:"userId"`
	State    *AwarenessState `json:"state,omitempty"`
}

type CRDTSync struct {
	Type           string `json:"type"`
	DocID          string `json:"docId"`
	ClientID       string `json:"clientId"`
	RequesterID    string `json:"requesterId"`
	TargetID       string `json:"targetId,omitempty"`
	DocumentUpdate []byte `json:"documentUpdate,omitempty"`
}

type Heartbeat struct {
	ClientID string `json:"clientId"`
	TS       int64  `json:"ts"`
}

type CellSync struct {
	Action     string `json:"action"`
	CellID     string `json:"cellId"`
	NotebookID string `json:"notebookId"`
	Timestamp  int64  `json:"timestamp"`
}

// NotebookSync is both the request and the response. A response always
// carries a non-nil Cells list; null cells mean "request".
type NotebookSync struct {
	RequesterID string `json:"requesterId"`
	ResponderID string `json:"responderId,omitempty"`
	NotebookID  string `json:"notebookId"`
	Cells       []Cell `json:"cells"`
	Timestamp   int64  `json:"timestamp"`
}

// Cell kinds.
const (
	KindText   = "text"
	KindPython = "code-python"
	KindR      = "code-r"
)

// Cell is one notebook cell in its persisted row shape.
type Cell struct {
	ID         string    `json:"id"`
	NotebookID string    `json:"notebook_id"`
	Content    string    `json:"content"`
	Kind       string    `json:"type"`
	Position   string    `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func ValidKind(kind string) bool {
	switch kind {
	case KindText, KindPython, KindR:
		return true
	}
	return false
}

// Millis is the wire timestamp format.
func Millis(t time.Time) int64 { return t.UnixMilli() }
