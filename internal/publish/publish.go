// Package publish fans out the event log and live operation snapshots to external brokers.
package publish

import (
	"context"
	"encoding/json"

	"gatehw/internal/domain"
)

// Publisher delivers event log entries to one broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evt domain.Event) error
	Close() error
}

// OperationSink receives live operation snapshots.
type OperationSink interface {
	MirrorOperation(ctx context.Context, op domain.Operation) error
}

type message struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload"`
}

func encodeEvent(evt domain.Event) ([]byte, error) {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(message{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
	})
}
