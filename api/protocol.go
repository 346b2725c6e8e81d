package api

import (
	"time"

	"pov-board/domain"
)

const maxBodySize = 64 * 1024 // 64 KiB

const headerIdempotencyKey = "Idempotency-Key"

// GET /api/phases/:phaseId/stages and stream payloads
type stagesResponse struct {
	Stages []domain.Stage `json:"stages"`
}

// PUT /api/phases/:phaseId/stages/order
type stageOrderRequest struct {
	StageIDs []string `json:"stageIds"`
}

// POST /api/phases/:phaseId/tasks/:taskId/move
type moveTaskRequest struct {
	StageID string `json:"stageId"`
	Order   *int   `json:"order"`
}

// POST /api/phases/:phaseId/stages
type createStageRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Status      domain.StageStatus `json:"status,omitempty"`
}

// POST /api/phases/:phaseId/stages/:stageId/tasks
type createTaskRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Priority    domain.Priority  `json:"priority,omitempty"`
	Assignee    *domain.Assignee `json:"assignee,omitempty"`
	DueDate     *time.Time       `json:"dueDate,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
