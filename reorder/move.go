// Package reorder implements Kanban stage and task moves over an in-memory
// working set. The pure functions in this file never mutate their input; the
// Engine in engine.go layers optimistic persistence and reversion on top.
package reorder

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"pov-board/domain"
)

var (
	// ErrIndexOutOfRange is a caller contract violation: a source or
	// destination index outside the sequence it refers to.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrStageNotFound and ErrTaskNotFound mean the working set is stale
	// relative to the caller. Both match domain.ErrNotFound.
	ErrStageNotFound = fmt.Errorf("stage %w", domain.ErrNotFound)
	ErrTaskNotFound  = fmt.Errorf("task %w", domain.ErrNotFound)

	// ErrOrderMismatch is returned when a full stage ordering does not name
	// exactly the stages of the working set.
	ErrOrderMismatch = errors.New("stage ids do not match working set")
)

// MoveStage removes the stage at src, reinserts it at dst and renumbers every
// stage. When src == dst the input is returned unchanged.
func MoveStage(ws []domain.Stage, src, dst int) ([]domain.Stage, error) {
	n := len(ws)
	if src < 0 || src >= n || dst < 0 || dst >= n {
		return nil, fmt.Errorf("%w: move stage %d -> %d of %d", ErrIndexOutOfRange, src, dst, n)
	}
	if src == dst {
		return ws, nil
	}
	out := domain.CloneStages(ws)
	moved := out[src]
	out = slices.Delete(out, src, src+1)
	out = slices.Insert(out, dst, moved)
	renumberStages(out)
	return out, nil
}

// MoveTask moves a task to dstIndex of the destination stage. dstIndex may
// equal the destination task count (append); for a same-stage move the count
// is taken after the task has been removed.
func MoveTask(ws []domain.Stage, taskID, srcStageID, dstStageID string, dstIndex int) ([]domain.Stage, error) {
	si := stageIndex(ws, srcStageID)
	if si < 0 {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, srcStageID)
	}
	di := stageIndex(ws, dstStageID)
	if di < 0 {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, dstStageID)
	}
	ti := taskIndex(ws[si].Tasks, taskID)
	if ti < 0 {
		return nil, fmt.Errorf("%w: %s in stage %s", ErrTaskNotFound, taskID, srcStageID)
	}

	limit := len(ws[di].Tasks)
	if si == di {
		limit--
	}
	if dstIndex < 0 || dstIndex > limit {
		return nil, fmt.Errorf("%w: task index %d of %d", ErrIndexOutOfRange, dstIndex, limit)
	}
	if si == di && ti == dstIndex {
		return ws, nil
	}

	out := domain.CloneStages(ws)
	moved := out[si].Tasks[ti]
	out[si].Tasks = slices.Delete(out[si].Tasks, ti, ti+1)
	moved.StageID = out[di].ID
	out[di].Tasks = slices.Insert(out[di].Tasks, dstIndex, moved)

	renumberTasks(out[si].Tasks)
	if di != si {
		renumberTasks(out[di].Tasks)
	}
	return out, nil
}

// ReorderStages arranges the working set to follow ids, which must name every
// stage exactly once.
func ReorderStages(ws []domain.Stage, ids []string) ([]domain.Stage, error) {
	if len(ids) != len(ws) {
		return nil, fmt.Errorf("%w: got %d ids for %d stages", ErrOrderMismatch, len(ids), len(ws))
	}
	byID := make(map[string]int, len(ws))
	for i, s := range ws {
		byID[s.ID] = i
	}
	out := make([]domain.Stage, 0, len(ws))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %s", ErrOrderMismatch, id)
		}
		seen[id] = struct{}{}
		i, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStageNotFound, id)
		}
		out = append(out, ws[i])
	}
	out = domain.CloneStages(out)
	renumberStages(out)
	return out, nil
}

// Normalize sorts stages and tasks by their stored order (ties broken by id)
// and rewrites orders densely. Stored snapshots may carry gaps left by
// deletes elsewhere in the application.
func Normalize(ws []domain.Stage) []domain.Stage {
	out := domain.CloneStages(ws)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	renumberStages(out)
	for i := range out {
		tasks := out[i].Tasks
		sort.SliceStable(tasks, func(a, b int) bool {
			if tasks[a].Order != tasks[b].Order {
				return tasks[a].Order < tasks[b].Order
			}
			return tasks[a].ID < tasks[b].ID
		})
		for j := range tasks {
			tasks[j].StageID = out[i].ID
		}
		renumberTasks(tasks)
	}
	return out
}

// StageIDs lists stage ids in working-set order.
func StageIDs(ws []domain.Stage) []string {
	ids := make([]string, len(ws))
	for i, s := range ws {
		ids[i] = s.ID
	}
	return ids
}

// StageOrders returns the stage positions to persist for ws.
func StageOrders(ws []domain.Stage) []domain.StageOrder {
	out := make([]domain.StageOrder, len(ws))
	for i, s := range ws {
		out[i] = domain.StageOrder{StageID: s.ID, Order: s.Order}
	}
	return out
}

// ChangedPlacements returns the placements in after whose stage or order
// differs from before. Tasks missing from before are always included.
func ChangedPlacements(before, after []domain.Stage) []domain.TaskPlacement {
	prev := make(map[string]domain.TaskPlacement)
	for _, s := range before {
		for _, t := range s.Tasks {
			prev[t.ID] = domain.TaskPlacement{TaskID: t.ID, StageID: s.ID, Order: t.Order}
		}
	}
	var out []domain.TaskPlacement
	for _, s := range after {
		for _, t := range s.Tasks {
			p := domain.TaskPlacement{TaskID: t.ID, StageID: s.ID, Order: t.Order}
			if old, ok := prev[t.ID]; ok && old == p {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

// FindTask returns the id of the stage currently holding taskID.
func FindTask(ws []domain.Stage, taskID string) (string, int, error) {
	for _, s := range ws {
		if i := taskIndex(s.Tasks, taskID); i >= 0 {
			return s.ID, i, nil
		}
	}
	return "", -1, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Validate checks the working-set invariants: dense zero-based orders in every
// sequence, and every task id present exactly once.
func Validate(ws []domain.Stage) error {
	owners := make(map[string]string)
	for i, s := range ws {
		if s.Order != i {
			return fmt.Errorf("stage %s has order %d at position %d", s.ID, s.Order, i)
		}
		for j, t := range s.Tasks {
			if t.Order != j {
				return fmt.Errorf("task %s has order %d at position %d of stage %s", t.ID, t.Order, j, s.ID)
			}
			if t.StageID != "" && t.StageID != s.ID {
				return fmt.Errorf("task %s in stage %s claims stage %s", t.ID, s.ID, t.StageID)
			}
			if owner, ok := owners[t.ID]; ok {
				return fmt.Errorf("task %s present in stages %s and %s", t.ID, owner, s.ID)
			}
			owners[t.ID] = s.ID
		}
	}
	return nil
}

func stageIndex(ws []domain.Stage, id string) int {
	for i := range ws {
		if ws[i].ID == id {
			return i
		}
	}
	return -1
}

func taskIndex(tasks []domain.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func renumberStages(ws []domain.Stage) {
	for i := range ws {
		ws[i].Order = i
	}
}

func renumberTasks(tasks []domain.Task) {
	for i := range tasks {
		tasks[i].Order = i
	}
}
