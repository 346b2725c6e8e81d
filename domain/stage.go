package domain

// StageStatus is the lifecycle state of a board stage.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageActive    StageStatus = "ACTIVE"
	StageCompleted StageStatus = "COMPLETED"
	StageBlocked   StageStatus = "BLOCKED"
)

// Valid reports whether s is one of the known stage statuses.
func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageActive, StageCompleted, StageBlocked:
		return true
	}
	return false
}

// Stage represents a Kanban column of a phase board.
type Stage struct {
	ID          string      `json:"id"`
	PhaseID     string      `json:"phaseId,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      StageStatus `json:"status"`
	Order       int         `json:"order"`
	Tasks       []Task      `json:"tasks"`
}

// StageOrder is the persisted position of a single stage.
type StageOrder struct {
	StageID string `json:"stageId"`
	Order   int    `json:"order"`
}

// CloneStages returns a deep copy of the working set so callers never share
// task slices with the source.
func CloneStages(in []Stage) []Stage {
	if in == nil {
		return nil
	}
	out := make([]Stage, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Tasks = cloneTasks(s.Tasks)
	}
	return out
}
