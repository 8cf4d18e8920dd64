package events

import (
	"context"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/bus"
	"github.com/alfredjeanlab/plangraph/internal/model"
)

// Event topic constants
const (
	TopicNodeUpdated      = "plangraph.node.updated"
	TopicHierarchyChanged = "plangraph.hierarchy.changed"

	// Session lifecycle events.
	TopicSessionOpened = "plangraph.session.opened"
	TopicSessionClosed = "plangraph.session.closed"

	TopicBackupCompleted = "plangraph.backup.completed"

	// TopicAll matches every plangraph topic.
	TopicAll = "plangraph.>"
)

// Event types

// NodeUpdated carries a bus event to other processes. Origin identifies the
// sending session so it can ignore its own events.
type NodeUpdated struct {
	Origin string          `json:"origin"`
	Event  bus.UpdateEvent `json:"event"`
}

// HierarchyChanged is emitted after a parent is set or removed.
type HierarchyChanged struct {
	Origin      string        `json:"origin"`
	ChildID     string        `json:"child_id"`
	ParentID    string        `json:"parent_id,omitempty"`
	OldParentID string        `json:"old_parent_id,omitempty"`
	Updated     []*model.Node `json:"updated,omitempty"`
}

type SessionOpened struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

type SessionClosed struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type BackupCompleted struct {
	Destination string    `json:"destination"`
	Nodes       int       `json:"nodes"`
	Edges       int       `json:"edges"`
	At          time.Time `json:"at"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
