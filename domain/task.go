package domain

import "time"

// Priority ranks how urgent a task is.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Assignee identifies the user a task is assigned to. It is display data
// only and carries no ownership semantics.
type Assignee struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// NewAssignee returns the assignee described by any non-empty field, or nil
// when all three are empty.
func NewAssignee(id, name, email string) *Assignee {
	if id == "" && name == "" && email == "" {
		return nil
	}
	return &Assignee{ID: id, Name: name, Email: email}
}

// Task represents a single card on a stage.
type Task struct {
	ID          string     `json:"id"`
	StageID     string     `json:"stageId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Assignee    *Assignee  `json:"assignee,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Order       int        `json:"order"`
}

// TaskPlacement is the persisted position of a single task.
type TaskPlacement struct {
	TaskID  string `json:"taskId"`
	StageID string `json:"stageId"`
	Order   int    `json:"order"`
}

func cloneTasks(in []Task) []Task {
	if in == nil {
		return nil
	}
	out := make([]Task, len(in))
	for i, t := range in {
		out[i] = t
		if t.Assignee != nil {
			a := *t.Assignee
			out[i].Assignee = &a
		}
		if t.DueDate != nil {
			d := *t.DueDate
			out[i].DueDate = &d
		}
	}
	return out
}
