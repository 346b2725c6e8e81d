package reorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"pov-board/domain"
)

// ErrStale is returned by moves after a reversion could not re-fetch the
// board. The working set must be reloaded before further moves.
var ErrStale = errors.New("working set is stale, reload required")

// Persister is the server-authoritative store behind a board.
type Persister interface {
	ReorderStages(ctx context.Context, phaseID string, stageIDs []string) error
	MoveTask(ctx context.Context, phaseID, taskID, destStageID string, destOrder int) error
	FetchStages(ctx context.Context, phaseID string) ([]domain.Stage, error)
}

// Level is the severity of a user-facing notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a toast-style message for the end user.
type Notification struct {
	Level   Level     `json:"level"`
	PhaseID string    `json:"phaseId"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for persistence outcomes.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNotifier sets the notifier used when a move cannot be persisted.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEscalation registers fn to receive refresh failures that leave the
// working set stale.
func WithEscalation(fn func(error)) Option {
	return func(e *Engine) { e.escalate = fn }
}

// Engine holds the working set of one phase board. Moves are applied
// optimistically and returned immediately; persistence runs in the
// background and a failure replaces the working set with a fresh fetch.
//
// Moves are not serialized against each other: a reversion triggered by an
// earlier move also discards any later optimistic move.
type Engine struct {
	phaseID  string
	store    Persister
	notifier Notifier
	logger   *log.Logger
	escalate func(error)
	now      func() time.Time

	mu      sync.Mutex
	stages  []domain.Stage
	stale   bool
	err     error
	reverts int

	inflight sync.WaitGroup
}

// NewEngine creates an engine for phaseID. Call Load before moving.
func NewEngine(phaseID string, store Persister, opts ...Option) *Engine {
	if store == nil {
		panic("reorder.NewEngine: persister is nil")
	}
	e := &Engine{
		phaseID: phaseID,
		store:   store,
		logger:  log.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PhaseID returns the phase this engine manages.
func (e *Engine) PhaseID() string { return e.phaseID }

// Load fetches the authoritative working set and clears any stale state.
func (e *Engine) Load(ctx context.Context) error {
	stages, err := e.store.FetchStages(ctx, e.phaseID)
	if err != nil {
		return fmt.Errorf("fetch stages for phase %s: %w", e.phaseID, err)
	}
	e.mu.Lock()
	e.stages = domain.CloneStages(stages)
	e.stale = false
	e.err = nil
	e.mu.Unlock()
	return nil
}

// Stages returns a copy of the current working set.
func (e *Engine) Stages() []domain.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.CloneStages(e.stages)
}

// Err returns the refresh failure that made the working set stale, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Reverts reports how many times the working set was replaced after a
// persistence failure.
func (e *Engine) Reverts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reverts
}

// Wait blocks until every persistence call issued so far has settled,
// including any reversion it triggered.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// MoveStage moves the stage at src to dst and persists the new stage order.
func (e *Engine) MoveStage(ctx context.Context, src, dst int) ([]domain.Stage, error) {
	e.mu.Lock()
	if e.stale {
		e.mu.Unlock()
		return nil, ErrStale
	}
	next, err := MoveStage(e.stages, src, dst)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if src == dst {
		out := domain.CloneStages(e.stages)
		e.mu.Unlock()
		return out, nil
	}
	e.stages = next
	out := domain.CloneStages(next)
	ids := StageIDs(next)
	e.inflight.Add(1)
	e.mu.Unlock()

	fields := log.Fields{"phase": e.phaseID, "from": src, "to": dst}
	go e.persist(ctx, "reorder stages", fields, func(ctx context.Context) error {
		return e.store.ReorderStages(ctx, e.phaseID, ids)
	})
	return out, nil
}

// MoveTask moves taskID from srcStageID to dstIndex of dstStageID and
// persists the move.
func (e *Engine) MoveTask(ctx context.Context, taskID, srcStageID, dstStageID string, dstIndex int) ([]domain.Stage, error) {
	e.mu.Lock()
	if e.stale {
		e.mu.Unlock()
		return nil, ErrStale
	}
	before := e.stages
	next, err := MoveTask(before, taskID, srcStageID, dstStageID, dstIndex)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if srcStageID == dstStageID {
		if _, idx, _ := FindTask(before, taskID); idx == dstIndex {
			out := domain.CloneStages(before)
			e.mu.Unlock()
			return out, nil
		}
	}
	e.stages = next
	out := domain.CloneStages(next)
	e.inflight.Add(1)
	e.mu.Unlock()

	fields := log.Fields{"phase": e.phaseID, "task": taskID, "from": srcStageID, "to": dstStageID, "index": dstIndex}
	go e.persist(ctx, "move task", fields, func(ctx context.Context) error {
		return e.store.MoveTask(ctx, e.phaseID, taskID, dstStageID, dstIndex)
	})
	return out, nil
}

func (e *Engine) persist(ctx context.Context, op string, fields log.Fields, call func(context.Context) error) {
	defer e.inflight.Done()

	err := call(ctx)
	if err == nil {
		e.logger.WithFields(fields).Debugf("%s persisted", op)
		return
	}

	e.logger.WithError(err).WithFields(fields).Warnf("%s failed, reverting", op)
	if e.notifier != nil {
		e.notifier.Notify(ctx, Notification{
			Level:   LevelError,
			PhaseID: e.phaseID,
			Title:   "Board change not saved",
			Message: fmt.Sprintf("Could not %s: %v", op, err),
			Time:    e.now().UTC(),
		})
	}
	e.revert(ctx)
}

func (e *Engine) revert(ctx context.Context) {
	stages, err := e.store.FetchStages(ctx, e.phaseID)
	if err != nil {
		stale := fmt.Errorf("refresh phase %s after failed persist: %w", e.phaseID, err)
		e.mu.Lock()
		e.stale = true
		e.err = stale
		e.mu.Unlock()
		e.logger.WithError(err).WithField("phase", e.phaseID).Error("board refresh failed, working set is stale")
		if e.escalate != nil {
			e.escalate(stale)
		}
		return
	}

	e.mu.Lock()
	e.stages = domain.CloneStages(stages)
	e.reverts++
	e.mu.Unlock()
	e.logger.WithField("phase", e.phaseID).Info("board reverted to server state")
}
