package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"pov-board/domain"
	"pov-board/reorder"
)

// memStore is an in-memory Storage keyed by phase.
type memStore struct {
	mu       sync.Mutex
	boards   map[string][]domain.Stage
	events   []domain.Event
	applyErr error
	pingErr  error

	stageWrites     [][]domain.StageOrder
	placementWrites [][]domain.TaskPlacement
}

func newMemStore(phaseID string, stages []domain.Stage) *memStore {
	return &memStore{boards: map[string][]domain.Stage{phaseID: stages}}
}

func (m *memStore) FetchStages(ctx context.Context, phaseID string) ([]domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := domain.CloneStages(m.boards[phaseID])
	if out == nil {
		out = []domain.Stage{}
	}
	return out, nil
}

func (m *memStore) FetchStagesUncached(ctx context.Context, phaseID string) ([]domain.Stage, error) {
	return m.FetchStages(ctx, phaseID)
}

func (m *memStore) ApplyStageOrder(ctx context.Context, phaseID string, orders []domain.StageOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.stageWrites = append(m.stageWrites, orders)
	board := m.boards[phaseID]
	for _, o := range orders {
		for i := range board {
			if board[i].ID == o.StageID {
				board[i].Order = o.Order
			}
		}
	}
	m.boards[phaseID] = reorder.Normalize(board)
	return nil
}

func (m *memStore) ApplyTaskPlacements(ctx context.Context, phaseID string, placements []domain.TaskPlacement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.placementWrites = append(m.placementWrites, placements)
	board := m.boards[phaseID]
	var all []domain.Task
	for _, st := range board {
		all = append(all, st.Tasks...)
	}
	for _, p := range placements {
		for i := range all {
			if all[i].ID == p.TaskID {
				all[i].StageID, all[i].Order = p.StageID, p.Order
			}
		}
	}
	for i := range board {
		board[i].Tasks = nil
		for _, t := range all {
			if t.StageID == board[i].ID {
				board[i].Tasks = append(board[i].Tasks, t)
			}
		}
	}
	m.boards[phaseID] = reorder.Normalize(board)
	return nil
}

func (m *memStore) CreateStage(ctx context.Context, phaseID string, st domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.boards[phaseID] = append(m.boards[phaseID], st)
	return nil
}

func (m *memStore) CreateTask(ctx context.Context, phaseID string, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	board := m.boards[phaseID]
	for i := range board {
		if board[i].ID == t.StageID {
			board[i].Tasks = append(board[i].Tasks, t)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memStore) RecordEvents(ctx context.Context, userID string, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *memStore) board(phaseID string) []domain.Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.CloneStages(m.boards[phaseID])
}

type mockAuth struct{ err error }

func (a mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "user", nil
}

type memDeduper struct {
	mu   sync.Mutex
	keys map[MutationKey]struct{}
}

func (d *memDeduper) Claim(ctx context.Context, k MutationKey) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = make(map[MutationKey]struct{})
	}
	if _, ok := d.keys[k]; ok {
		return false, nil
	}
	d.keys[k] = struct{}{}
	return true, nil
}

func (d *memDeduper) Release(ctx context.Context, k MutationKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, k)
	return nil
}

func testBoard() []domain.Stage {
	return []domain.Stage{
		{ID: "backlog", Name: "Backlog", Status: domain.StageActive, Order: 0, Tasks: []domain.Task{
			{ID: "A", StageID: "backlog", Title: "A", Order: 0},
			{ID: "B", StageID: "backlog", Title: "B", Order: 1},
			{ID: "C", StageID: "backlog", Title: "C", Order: 2},
		}},
		{ID: "doing", Name: "Doing", Status: domain.StagePending, Order: 1, Tasks: []domain.Task{}},
		{ID: "done", Name: "Done", Status: domain.StagePending, Order: 2, Tasks: []domain.Task{
			{ID: "D", StageID: "done", Title: "D", Order: 0},
		}},
	}
}

func newTestServer(t *testing.T, store *memStore, deps ...func(*Deps)) *echo.Echo {
	t.Helper()
	logger, _ := test.NewNullLogger()
	d := Deps{Store: store, Auth: mockAuth{}, Logger: logger}
	for _, fn := range deps {
		fn(&d)
	}
	e := echo.New()
	Register(e, d)
	return e
}

func do(e *echo.Echo, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func stageIDs(stages []domain.Stage) []string {
	return reorder.StageIDs(stages)
}

func taskIDs(st domain.Stage) []string {
	ids := make([]string, len(st.Tasks))
	for i, t := range st.Tasks {
		ids[i] = t.ID
	}
	return ids
}

func TestGetStagesNormalizes(t *testing.T) {
	board := testBoard()
	board[0].Order, board[2].Order = 9, 4
	board[0].Tasks[2].Order = 7
	store := newMemStore("p1", board)
	e := newTestServer(t, store)

	rec := do(e, http.MethodGet, "/api/phases/p1/stages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp stagesResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]string{"doing", "done", "backlog"}, stageIDs(resp.Stages)); diff != "" {
		t.Fatalf("unexpected stage order (-want +got):\n%s", diff)
	}
	if err := reorder.Validate(resp.Stages); err != nil {
		t.Fatalf("response not dense: %v", err)
	}
}

func TestGetStagesUnauthorized(t *testing.T) {
	store := newMemStore("p1", testBoard())
	e := newTestServer(t, store, func(d *Deps) { d.Auth = mockAuth{err: errors.New("bad token")} })

	rec := do(e, http.MethodGet, "/api/phases/p1/stages", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPutStageOrder(t *testing.T) {
	store := newMemStore("p1", testBoard())
	e := newTestServer(t, store)

	rec := do(e, http.MethodPut, "/api/phases/p1/stages/order", `{"stageIds":["doing","done","backlog"]}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if diff := cmp.Diff([]string{"doing", "done", "backlog"}, stageIDs(store.board("p1"))); diff != "" {
		t.Fatalf("unexpected stored order (-want +got):\n%s", diff)
	}
	if len(store.events) != 1 || store.events[0].Type != domain.StagesReordered {
		t.Fatalf("expected stages-reordered event, got %+v", store.events)
	}
}

func TestPutStageOrderUnchangedSkipsWrite(t *testing.T) {
	store := newMemStore("p1", testBoard())
	e := newTestServer(t, store)

	rec := do(e, http.MethodPut, "/api/phases/p1/stages/order", `{"stageIds":["backlog","doing","done"]}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(store.stageWrites) != 0 || len(store.events) != 0 {
		t.Fatalf("expected no write, got %v writes and %v events", store.stageWrites, store.events)
	}
}

func TestPutStageOrderErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "missing stage", body: `{"stageIds":["doing","done"]}`, want: http.StatusConflict},
		{name: "duplicate", body: `{"stageIds":["doing","doing","done"]}`, want: http.StatusConflict},
		{name: "unknown stage", body: `{"stageIds":["doing","done","nope"]}`, want: http.StatusNotFound},
		{name: "bad json", body: `{"stageIds":`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"ids":[]}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore("p1", testBoard())
			e := newTestServer(t, store)
			rec := do(e, http.MethodPut, "/api/phases/p1/stages/order", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if len(store.stageWrites) != 0 {
				t.Fatalf("expected no writes")
			}
		})
	}
}

func TestMoveTaskSameStage(t *testing.T) {
	store := newMemStore("p1", testBoard())
	e := newTestServer(t, store)

	rec := do(e, http.MethodPost, "/api/phases/p1/tasks/A/move", `{"stageId":"backlog","order":2}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	board := store.board("p1")
	if diff := cmp.Diff([]string{"B", "C", "A"}, taskIDs(board[0])); diff != "" {
		t.Fatalf("unexpected backlog (-want +got):\n%s", diff)
	}
	if len(store.placementWrites) != 1 || len(store.placementWrites[0]) != 3 {
		t.Fatalf("expected one write of three placements, got %+v", store.placementWrites)
	}
}

func TestMoveTaskAcrossStages(t *testing.T) {
	store := newMemStore("p1", testBoard())
	e := newTestServer(t, store)

	rec := do(e, http.MethodPost, "/api/phases/p1/tasks/B/move", `{"stageId":"done","order":0}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	board := store.board("p1")
	if diff := cmp.Diff([]string{"A", "C"}, taskIDs(board[0])); diff != "" {
		t.Fatalf("unexpected backlog (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"B", "D"}, taskIDs(board[2])); diff != "" {
		t.Fatalf("unexpected done (-want +got):\n%s", diff)
	}
	if err := reorder.Validate(board); err != nil {
		t.Fatalf("stored board invalid: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected one event, got %d", len(store.events))
	}
	var data domain.TaskMovedData
	if err := sonic.Unmarshal(store.events[0].Data, &data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data != (domain.TaskMovedData{FromStageID: "backlog", ToStageID: "done", Order: 0}) {
		t.Fatalf("unexpected event data: %+v", data)
	}
}

func TestMoveTaskErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown task", path: "/api/phases/p1/tasks/nonexistent/move", body: `{"stageId":"done","order":0}`, want: http.StatusNotFound},
		{name: "unknown stage", path: "/api/phases/p1/tasks/A/move", body: `{"stageId":"archive","order":0}`, want: http.StatusNotFound},
		{name: "index past end", path: "/api/phases/p1/tasks/A/move", body: `{"stageId":"done","order":2}`, want: http.StatusBadRequest},
		{name: "same stage past end", path: "/api/phases/p1/tasks/A/move", body: `{"stageId":"backlog","order":3}`, want: http.StatusBadRequest},
		{name: "negative", path: "/api/phases/p1/tasks/A/move", body: `{"stageId":"done","order":-1}`, want: http.StatusBadRequest},
		{name: "missing order", path: "/api/phases/p1/tasks/A/move", body: `{"stageId":"done"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore("p1", testBoard())
			e := newTestServer(t, store)
			rec := do(e, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if diff := cmp.Diff(testBoard(), store.board("p1")); diff != "" {
				t.Fatalf("board modified (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMoveTaskStorageFailure(t *testing.T) {
	store := newMemStore("p1", testBoard())
	store.applyErr = errors.New("table unavailable")
	dedup := &memDeduper{}
	e := newTestServer(t, store, func(d *Deps) { d.Deduper = dedup })

	rec := do(e, http.MethodPost, "/api/phases/p1/tasks/A/move", `{"stageId":"done","order":0}`, headerIdempotencyKey, "k1")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(dedup.keys) != 0 {
		t.Fatalf("expected idempotency key released, got %v", dedup.keys)
	}
	if len(store.events) != 0 {
		t.Fatalf("expected no events on failure")
	}
}

func TestMoveTaskIdempotencyKey(t *testing.T) {
	store := newMemStore("p1", testBoard())
	e := newTestServer(t, store, func(d *Deps) { d.Deduper = &memDeduper{} })

	for i := 0; i < 2; i++ {
		rec := do(e, http.MethodPost, "/api/phases/p1/tasks/A/move", `{"stageId":"done","order":1}`, headerIdempotencyKey, "move-1")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("attempt %d: expected 204, got %d", i, rec.Code)
		}
	}
	if len(store.placementWrites) != 1 {
		t.Fatalf("expected a single applied move, got %d", len(store.placementWrites))
	}
}

func TestMoveTaskIdempotencyKeyIsPerPhase(t *testing.T) {
	store := newMemStore("p1", testBoard())
	store.boards["p2"] = testBoard()
	dedup := &memDeduper{}
	e := newTestServer(t, store, func(d *Deps) { d.Deduper = dedup })

	for _, phase := range []string{"p1", "p2"} {
		rec := do(e, http.MethodPost, "/api/phases/"+phase+"/tasks/A/move", `{"stageId":"done","order":0}`, headerIdempotencyKey, "same")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d", phase, rec.Code)
		}
	}
	if len(store.placementWrites) != 2 {
		t.Fatalf("expected the move applied on both phases, got %d writes", len(store.placementWrites))
	}
	if _, ok := dedup.keys[MutationKey{UserID: "user", PhaseID: "p2", Key: "same"}]; !ok {
		t.Fatalf("expected claim scoped to p2, got %v", dedup.keys)
	}
}

func TestMoveTaskNotifiesSubscribers(t *testing.T) {
	store := newMemStore("p1", testBoard())
	updates := NewBoardUpdates(nil, "", nil)
	e := newTestServer(t, store, func(d *Deps) { d.Updates = updates })
	ch := updates.subscribe("p1")
	defer updates.unsubscribe("p1", ch)

	rec := do(e, http.MethodPost, "/api/phases/p1/tasks/A/move", `{"stageId":"done","order":0}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected subscribers of p1 to be notified")
	}
}

func TestCreateStageAndTask(t *testing.T) {
	store := newMemStore("p1", testBoard())
	e := newTestServer(t, store)

	rec := do(e, http.MethodPost, "/api/phases/p1/stages", `{"name":"Review"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var stage domain.Stage
	if err := sonic.Unmarshal(rec.Body.Bytes(), &stage); err != nil {
		t.Fatalf("decode stage: %v", err)
	}
	if stage.ID == "" || stage.Order != 3 || stage.Status != domain.StagePending {
		t.Fatalf("unexpected stage: %+v", stage)
	}

	rec = do(e, http.MethodPost, "/api/phases/p1/stages/done/tasks", `{"title":"Ship","priority":"HIGH","assignee":{"id":"u1","name":"Kim"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.StageID != "done" || task.Order != 1 || task.Priority != domain.PriorityHigh || task.Assignee == nil {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(store.events) != 2 || store.events[0].Type != domain.StageCreated || store.events[1].Type != domain.TaskCreated {
		t.Fatalf("unexpected events: %+v", store.events)
	}
}

func TestCreateValidation(t *testing.T) {
	store := newMemStore("p1", testBoard())
	e := newTestServer(t, store)

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"stage without name", "/api/phases/p1/stages", `{"name":"  "}`, http.StatusBadRequest},
		{"stage bad status", "/api/phases/p1/stages", `{"name":"x","status":"DONE"}`, http.StatusBadRequest},
		{"task bad priority", "/api/phases/p1/stages/done/tasks", `{"title":"x","priority":"URGENT"}`, http.StatusBadRequest},
		{"task unknown stage", "/api/phases/p1/stages/nope/tasks", `{"title":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	store := newMemStore("p1", nil)
	e := newTestServer(t, store)
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	store.pingErr = errors.New("down")
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{reorder.ErrTaskNotFound, http.StatusNotFound},
		{reorder.ErrIndexOutOfRange, http.StatusBadRequest},
		{reorder.ErrOrderMismatch, http.StatusConflict},
		{domain.ErrConcurrencyConflict, http.StatusConflict},
		{errInvalidBody, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestNextOrdersSkipGaps(t *testing.T) {
	if got := nextStageOrder(nil); got != 0 {
		t.Fatalf("expected 0 for empty board, got %d", got)
	}
	if got := nextStageOrder([]domain.Stage{{Order: 0}, {Order: 7}}); got != 8 {
		t.Fatalf("expected 8, got %d", got)
	}
	if got := nextTaskOrder([]domain.Task{{Order: 2}}); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}
