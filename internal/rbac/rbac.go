// Package rbac decides what a websocket client holding a given token role
// may publish on a topic.
package rbac

import (
	"encoding/json"

	"codyx/collab/internal/protocol"
)

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

const (
	// ActionPresence covers heartbeats, typing and awareness.
	ActionPresence   Action = "presence"
	ActionSync       Action = "sync"
	ActionWrite      Action = "write"
	ActionCheckpoint Action = "checkpoint"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleEditor:
		return true
	case RoleViewer:
		return action == ActionPresence || action == ActionSync
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor:
		return Role(role)
	default:
		return RoleViewer
	}
}

// FrameAction classifies a frame. Sync answers carry state and count as
// writes; only the requests are sync.
func FrameAction(f protocol.Frame) Action {
	switch f.Event {
	case protocol.EventHeartbeat, protocol.EventTyping, protocol.EventAwareness:
		return ActionPresence
	case protocol.EventNotebookSyncRequest:
		return ActionSync
	case protocol.EventSync:
		var p struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f.Payload, &p) == nil && p.Type == protocol.SyncRequest {
			return ActionSync
		}
	}
	return ActionWrite
}
