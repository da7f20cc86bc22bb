package events

import (
	"net/http"
	"time"
)

// Action is the kind of change a record went through.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ChangeEvent describes one record touched by a mutation. A single write can
// fan out into several events: one for the primary record and one per related
// record whose relationship set changed.
type ChangeEvent struct {
	Action Action `json:"action"`
	Type   string `json:"type"`
	Code   string `json:"code"`

	// UpdatedProperties lists the property names that changed, sorted.
	// For peer records this is the inverse relationship name as seen from
	// their side.
	UpdatedProperties []string `json:"updatedProperties,omitempty"`

	// RequestID ties the event back to the originating write.
	RequestID string `json:"requestId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EdgeChange reports one relationship edge the mutation added or removed,
// as input to peer event derivation.
type EdgeChange struct {
	RelationshipName string
	TargetType       string
	TargetCode       string

	// TargetCreatedByRequest is set when the write upserted the related
	// node into existence, which makes the peer event a CREATE.
	TargetCreatedByRequest bool
}

// DeriveInput is everything the deriver needs about a completed mutation.
type DeriveInput struct {
	Action            Action
	Type              string
	Code              string
	UpdatedProperties []string
	Edges             []EdgeChange
	RequestID         string
	Timestamp         time.Time
}

// StreamConnection is one attached SSE client.
type StreamConnection struct {
	ConnectionID  string
	Writer        http.ResponseWriter
	Flusher       http.Flusher
	Done          chan struct{}
	LastHeartbeat time.Time
}

// ConnectedEvent is sent when a client attaches to the stream.
type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
}

// HeartbeatEvent is sent periodically to keep connections alive.
type HeartbeatEvent struct {
	Timestamp string `json:"timestamp"`
}
