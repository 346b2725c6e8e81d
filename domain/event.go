package domain

import "github.com/bytedance/sonic"

const (
	StagesReordered = "stages-reordered"
	TaskMoved       = "task-moved"
	StageCreated    = "stage-created"
	TaskCreated     = "task-created"
)

// Event describes a committed change to a phase board.
type Event struct {
	ID         string                 `json:"id"`
	PhaseID    string                 `json:"phaseId"`
	EntityID   string                 `json:"entityId"`
	EntityType string                 `json:"entityType"`
	Type       string                 `json:"type"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// EventEnvelope wraps an event with the user performing it.
type EventEnvelope struct {
	UserID string `json:"userId"`
	Event  Event  `json:"event"`
}

// StagesReorderedData is the payload of a stages-reordered event.
type StagesReorderedData struct {
	StageIDs []string `json:"stageIds"`
}

// TaskMovedData is the payload of a task-moved event.
type TaskMovedData struct {
	FromStageID string `json:"fromStageId"`
	ToStageID   string `json:"toStageId"`
	Order       int    `json:"order"`
}
