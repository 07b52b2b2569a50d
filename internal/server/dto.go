package server

import (
	"gatehw/internal/domain"
)

// Request payloads

type StartOperationRequest struct {
	Kind   domain.Kind   `json:"kind" enum:"card_reader_test,relay_test,integrated_test,gate_trigger,connection_test"`
	Role   domain.Role   `json:"role,omitempty" enum:"card_reader,relay_controller" doc:"Defaults to the first role the kind operates on"`
	Params domain.Params `json:"params,omitempty"`
}

type SaveAssignmentsRequest struct {
	Assignments []domain.Assignment `json:"assignments" minItems:"1"`
}

type TestConnectionRequest struct {
	Path string `json:"path,omitempty" doc:"Device path to test instead of the saved assignment"`
}

// Responses

type StartOperationResponse struct {
	Accepted    bool   `json:"accepted"`
	OperationID string `json:"operation_id"`
}

type StopOperationResponse struct {
	OperationID string `json:"operation_id"`
	Stopped     bool   `json:"stopped" doc:"False when the operation had already finished"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Payload:    evt.Payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	SchemaVersion  int    `json:"schema_version"`
	LiveOperations int    `json:"live_operations"`
	Simulated      bool   `json:"simulated,omitempty"`
}
