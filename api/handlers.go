package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pov-board/domain"
	"pov-board/reorder"
)

const (
	routeStages      = "/api/phases/:phaseId/stages"
	routeStageOrder  = "/api/phases/:phaseId/stages/order"
	routeStageTasks  = "/api/phases/:phaseId/stages/:stageId/tasks"
	routeMoveTask    = "/api/phases/:phaseId/tasks/:taskId/move"
	routeStream      = "/api/phases/:phaseId/stream"
	healthzTimeout   = 2 * time.Second
	sideEffectsLimit = 5 * time.Second
)

// Deps are the collaborators of the board handlers. Deduper and Updates
// are optional.
type Deps struct {
	Store   Storage
	Auth    Authenticator
	Deduper Deduper
	Updates *BoardUpdates
	Logger  *log.Logger
}

type server struct {
	Deps
	locks *phaseLocks
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	s := &server{Deps: d, locks: newPhaseLocks()}

	e.GET(routeStages, s.getStages())
	e.POST(routeStages, s.createStage())
	e.PUT(routeStageOrder, s.putStageOrder())
	e.POST(routeStageTasks, s.createTask())
	e.POST(routeMoveTask, s.moveTask())
	if d.Updates != nil {
		e.GET(routeStream, streamBoard(d.Store, d.Auth, d.Updates))
	}
	e.GET("/healthz", healthz(d.Store))
}

func healthz(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthzTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		}
		return c.NoContent(http.StatusOK)
	}
}

// request is the per-request state shared by the board handlers.
type request struct {
	c       echo.Context
	ctx     context.Context
	metrics *requestMetrics
	userID  string
	phaseID string
}

// begin starts metrics and authenticates the caller. On failure the 401
// response has already been written and ok is false.
func (s *server) begin(c echo.Context, route string) (*request, bool) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), s.Logger, c.Request().Method, route)
	c.SetRequest(c.Request().WithContext(ctx))
	r := &request{c: c, ctx: ctx, metrics: metrics, phaseID: c.Param("phaseId")}
	metrics.SetPhase(r.phaseID)

	authStart := time.Now()
	userID, err := s.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if err != nil {
		metrics.Fail("auth", err)
		_ = c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		return r, false
	}
	r.userID = userID
	return r, true
}

func (r *request) finish(err error) error {
	r.metrics.Log(r.c.Response().Status, err)
	return err
}

// fail maps err onto an HTTP status and writes the error body.
func (r *request) fail(stage string, err error) error {
	status := statusForError(err)
	r.metrics.Fail(stage, err)
	return r.c.JSON(status, errorResponse{Error: err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reorder.ErrIndexOutOfRange), errors.Is(err, errInvalidBody):
		return http.StatusBadRequest
	case errors.Is(err, reorder.ErrOrderMismatch), errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var errInvalidBody = errors.New("invalid body")

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}

// claim registers the request's idempotency key. It returns false when the
// key was already seen and the mutation must not be applied again. The
// returned release undoes the claim and is called when applying fails.
func (s *server) claim(r *request) (fresh bool, release func()) {
	key := strings.TrimSpace(r.c.Request().Header.Get(headerIdempotencyKey))
	noop := func() {}
	if key == "" || s.Deduper == nil {
		return true, noop
	}
	mk := MutationKey{UserID: r.userID, PhaseID: r.phaseID, Key: key}
	added, err := s.Deduper.Claim(r.ctx, mk)
	if err != nil {
		s.Logger.WithError(err).WithField("phase", r.phaseID).Warn("idempotency check failed, applying without it")
		return true, noop
	}
	if !added {
		r.metrics.SetDeduplicated(true)
		return false, noop
	}
	return true, func() {
		if err := s.Deduper.Release(context.WithoutCancel(r.ctx), mk); err != nil {
			s.Logger.WithError(err).Warn("failed to release idempotency key")
		}
	}
}

// fetch loads the board of the phase for reading. It may be served from
// the cache.
func (s *server) fetch(r *request) ([]domain.Stage, error) {
	return s.timedFetch(r, s.Store.FetchStages)
}

// fetchForUpdate loads the stored board straight from the backing storage.
// Callers hold the phase lock and decide what to write from the result.
func (s *server) fetchForUpdate(r *request) ([]domain.Stage, error) {
	return s.timedFetch(r, s.Store.FetchStagesUncached)
}

func (s *server) timedFetch(r *request, load func(context.Context, string) ([]domain.Stage, error)) ([]domain.Stage, error) {
	start := time.Now()
	stages, err := load(r.ctx, r.phaseID)
	r.metrics.ObserveFetch(time.Since(start))
	return stages, err
}

// committed runs the side effects of a successful mutation. The write has
// already been applied, so failures are logged rather than returned.
func (s *server) committed(r *request, events ...domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), sideEffectsLimit)
	defer cancel()
	fields := log.Fields{"phase": r.phaseID, "user": r.userID}
	if err := s.Store.RecordEvents(ctx, r.userID, events); err != nil {
		s.Logger.WithError(err).WithFields(fields).Error("failed to record board events")
	}
	if s.Updates != nil {
		if err := s.Updates.Publish(ctx, r.phaseID); err != nil {
			s.Logger.WithError(err).WithFields(fields).Warn("failed to publish board update")
		}
	}
}

func (s *server) newEvent(r *request, typ, entityType, entityID string, data any) domain.Event {
	ev := domain.Event{
		ID:         uuid.NewString(),
		PhaseID:    r.phaseID,
		EntityID:   entityID,
		EntityType: entityType,
		Type:       typ,
		Timestamp:  nextTimestamp(),
	}
	if data != nil {
		raw, err := sonic.Marshal(data)
		if err != nil {
			s.Logger.WithError(err).Warn("failed to encode event data")
		} else {
			ev.Data = raw
		}
	}
	return ev
}

func (s *server) getStages() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		r, ok := s.begin(c, routeStages)
		defer func() { r.finish(err) }()
		if !ok {
			return nil
		}

		stages, fetchErr := s.fetch(r)
		if fetchErr != nil {
			c.Logger().Error(fetchErr)
			return r.fail("storage", fetchErr)
		}
		stages = reorder.Normalize(stages)
		r.metrics.SetStagesReturned(len(stages))
		return c.JSON(http.StatusOK, stagesResponse{Stages: stages})
	}
}

func (s *server) putStageOrder() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		r, ok := s.begin(c, routeStageOrder)
		defer func() { r.finish(err) }()
		if !ok {
			return nil
		}

		var body stageOrderRequest
		if err := decodeBody(c, &body); err != nil {
			return r.fail("invalid_body", err)
		}
		fresh, release := s.claim(r)
		if !fresh {
			return c.NoContent(http.StatusNoContent)
		}

		unlock := s.locks.lock(r.phaseID)
		defer unlock()

		stored, fetchErr := s.fetchForUpdate(r)
		if fetchErr != nil {
			release()
			return r.fail("storage", fetchErr)
		}
		next, moveErr := reorder.ReorderStages(reorder.Normalize(stored), body.StageIDs)
		if moveErr != nil {
			release()
			return r.fail("reorder", moveErr)
		}

		changed := changedStageOrders(stored, next)
		r.metrics.SetItemsChanged(len(changed))
		if len(changed) == 0 {
			return c.NoContent(http.StatusNoContent)
		}
		persistStart := time.Now()
		applyErr := s.Store.ApplyStageOrder(r.ctx, r.phaseID, changed)
		r.metrics.ObservePersist(time.Since(persistStart))
		if applyErr != nil {
			release()
			c.Logger().Error(applyErr)
			return r.fail("storage", applyErr)
		}

		s.committed(r, s.newEvent(r, domain.StagesReordered, "phase", r.phaseID,
			domain.StagesReorderedData{StageIDs: reorder.StageIDs(next)}))
		return c.NoContent(http.StatusNoContent)
	}
}

func (s *server) moveTask() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		r, ok := s.begin(c, routeMoveTask)
		defer func() { r.finish(err) }()
		if !ok {
			return nil
		}
		taskID := c.Param("taskId")

		var body moveTaskRequest
		if err := decodeBody(c, &body); err != nil {
			return r.fail("invalid_body", err)
		}
		if body.StageID == "" || body.Order == nil {
			return r.fail("invalid_body", errInvalidBody)
		}
		fresh, release := s.claim(r)
		if !fresh {
			return c.NoContent(http.StatusNoContent)
		}

		unlock := s.locks.lock(r.phaseID)
		defer unlock()

		stored, fetchErr := s.fetchForUpdate(r)
		if fetchErr != nil {
			release()
			return r.fail("storage", fetchErr)
		}
		ws := reorder.Normalize(stored)
		srcStageID, _, findErr := reorder.FindTask(ws, taskID)
		if findErr != nil {
			release()
			return r.fail("reorder", findErr)
		}
		next, moveErr := reorder.MoveTask(ws, taskID, srcStageID, body.StageID, *body.Order)
		if moveErr != nil {
			release()
			return r.fail("reorder", moveErr)
		}

		placements := reorder.ChangedPlacements(stored, next)
		r.metrics.SetItemsChanged(len(placements))
		if len(placements) == 0 {
			return c.NoContent(http.StatusNoContent)
		}
		persistStart := time.Now()
		applyErr := s.Store.ApplyTaskPlacements(r.ctx, r.phaseID, placements)
		r.metrics.ObservePersist(time.Since(persistStart))
		if applyErr != nil {
			release()
			c.Logger().Error(applyErr)
			return r.fail("storage", applyErr)
		}

		s.committed(r, s.newEvent(r, domain.TaskMoved, "task", taskID, domain.TaskMovedData{
			FromStageID: srcStageID,
			ToStageID:   body.StageID,
			Order:       *body.Order,
		}))
		return c.NoContent(http.StatusNoContent)
	}
}

func (s *server) createStage() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		r, ok := s.begin(c, routeStages)
		defer func() { r.finish(err) }()
		if !ok {
			return nil
		}

		var body createStageRequest
		if err := decodeBody(c, &body); err != nil {
			return r.fail("invalid_body", err)
		}
		body.Name = strings.TrimSpace(body.Name)
		if body.Status == "" {
			body.Status = domain.StagePending
		}
		if body.Name == "" || !body.Status.Valid() {
			return r.fail("invalid_body", errInvalidBody)
		}
		fresh, release := s.claim(r)
		if !fresh {
			return c.NoContent(http.StatusNoContent)
		}

		unlock := s.locks.lock(r.phaseID)
		defer unlock()

		stored, fetchErr := s.fetchForUpdate(r)
		if fetchErr != nil {
			release()
			return r.fail("storage", fetchErr)
		}
		stage := domain.Stage{
			ID:          uuid.NewString(),
			PhaseID:     r.phaseID,
			Name:        body.Name,
			Description: body.Description,
			Status:      body.Status,
			Order:       nextStageOrder(stored),
			Tasks:       []domain.Task{},
		}
		persistStart := time.Now()
		createErr := s.Store.CreateStage(r.ctx, r.phaseID, stage)
		r.metrics.ObservePersist(time.Since(persistStart))
		if createErr != nil {
			release()
			return r.fail("storage", createErr)
		}
		r.metrics.SetItemsChanged(1)

		s.committed(r, s.newEvent(r, domain.StageCreated, "stage", stage.ID, stage))
		return c.JSON(http.StatusCreated, stage)
	}
}

func (s *server) createTask() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		r, ok := s.begin(c, routeStageTasks)
		defer func() { r.finish(err) }()
		if !ok {
			return nil
		}
		stageID := c.Param("stageId")

		var body createTaskRequest
		if err := decodeBody(c, &body); err != nil {
			return r.fail("invalid_body", err)
		}
		body.Title = strings.TrimSpace(body.Title)
		if body.Priority == "" {
			body.Priority = domain.PriorityMedium
		}
		if body.Title == "" || !body.Priority.Valid() {
			return r.fail("invalid_body", errInvalidBody)
		}
		fresh, release := s.claim(r)
		if !fresh {
			return c.NoContent(http.StatusNoContent)
		}

		unlock := s.locks.lock(r.phaseID)
		defer unlock()

		stored, fetchErr := s.fetchForUpdate(r)
		if fetchErr != nil {
			release()
			return r.fail("storage", fetchErr)
		}
		var stage *domain.Stage
		for i := range stored {
			if stored[i].ID == stageID {
				stage = &stored[i]
				break
			}
		}
		if stage == nil {
			release()
			return r.fail("reorder", reorder.ErrStageNotFound)
		}
		task := domain.Task{
			ID:          uuid.NewString(),
			StageID:     stageID,
			Title:       body.Title,
			Description: body.Description,
			Priority:    body.Priority,
			Assignee:    body.Assignee,
			DueDate:     body.DueDate,
			Order:       nextTaskOrder(stage.Tasks),
		}
		persistStart := time.Now()
		createErr := s.Store.CreateTask(r.ctx, r.phaseID, task)
		r.metrics.ObservePersist(time.Since(persistStart))
		if createErr != nil {
			release()
			return r.fail("storage", createErr)
		}
		r.metrics.SetItemsChanged(1)

		s.committed(r, s.newEvent(r, domain.TaskCreated, "task", task.ID, task))
		return c.JSON(http.StatusCreated, task)
	}
}

// changedStageOrders lists the stages of next whose position differs from
// the stored one.
func changedStageOrders(stored, next []domain.Stage) []domain.StageOrder {
	prev := make(map[string]int, len(stored))
	for _, st := range stored {
		prev[st.ID] = st.Order
	}
	var out []domain.StageOrder
	for _, o := range reorder.StageOrders(next) {
		if old, ok := prev[o.StageID]; ok && old == o.Order {
			continue
		}
		out = append(out, o)
	}
	return out
}

// nextStageOrder places a new stage after every stored one, even when stored
// orders have gaps.
func nextStageOrder(stored []domain.Stage) int {
	next := 0
	for _, st := range stored {
		next = max(next, st.Order+1)
	}
	return next
}

func nextTaskOrder(tasks []domain.Task) int {
	next := 0
	for _, t := range tasks {
		next = max(next, t.Order+1)
	}
	return next
}
