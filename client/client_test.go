package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pov-board/domain"
)

type recorded struct {
	method string
	path   string
	body   string
	header http.Header
}

func newTestClient(t *testing.T, status int, reply string) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{method: r.Method, path: r.URL.EscapedPath(), body: string(b), header: r.Header.Clone()})
		if reply != "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "tok", time.Second), &calls
}

func TestFetchStages(t *testing.T) {
	c, calls := newTestClient(t, http.StatusOK,
		`{"stages":[{"id":"s1","name":"Backlog","status":"ACTIVE","order":0,"tasks":[{"id":"t1","stageId":"s1","title":"A","priority":"HIGH","order":0}]}]}`)

	stages, err := c.FetchStages(context.Background(), "p1")
	if err != nil {
		t.Fatalf("FetchStages: %v", err)
	}
	if len(stages) != 1 || stages[0].ID != "s1" || len(stages[0].Tasks) != 1 || stages[0].Tasks[0].ID != "t1" {
		t.Fatalf("unexpected stages %+v", stages)
	}
	got := (*calls)[0]
	if got.method != http.MethodGet || got.path != "/api/phases/p1/stages" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.header.Get("Authorization") != "Bearer tok" {
		t.Fatalf("missing bearer, got %q", got.header.Get("Authorization"))
	}
	if got.header.Get("Idempotency-Key") != "" {
		t.Fatalf("GET should not carry an idempotency key")
	}
}

func TestFetchStagesEmptyBoard(t *testing.T) {
	c, _ := newTestClient(t, http.StatusOK, `{"stages":null}`)
	stages, err := c.FetchStages(context.Background(), "p1")
	if err != nil {
		t.Fatalf("FetchStages: %v", err)
	}
	if stages == nil || len(stages) != 0 {
		t.Fatalf("expected empty non-nil board, got %#v", stages)
	}
}

func TestReorderStages(t *testing.T) {
	c, calls := newTestClient(t, http.StatusNoContent, "")
	if err := c.ReorderStages(context.Background(), "p1", []string{"b", "a"}); err != nil {
		t.Fatalf("ReorderStages: %v", err)
	}
	got := (*calls)[0]
	if got.method != http.MethodPut || got.path != "/api/phases/p1/stages/order" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if got.body != `{"stageIds":["b","a"]}` {
		t.Fatalf("unexpected body %s", got.body)
	}
	if got.header.Get("Idempotency-Key") == "" {
		t.Fatalf("mutation should carry an idempotency key")
	}
}

func TestMoveTaskEscapesPath(t *testing.T) {
	c, calls := newTestClient(t, http.StatusNoContent, "")
	if err := c.MoveTask(context.Background(), "p 1", "t/1", "s2", 0); err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	got := (*calls)[0]
	if got.path != "/api/phases/p%201/tasks/t%2F1/move" {
		t.Fatalf("unexpected path %s", got.path)
	}
	if got.body != `{"stageId":"s2","order":0}` {
		t.Fatalf("unexpected body %s", got.body)
	}
}

func TestStatusErrorMatchesDomain(t *testing.T) {
	cases := []struct {
		status int
		target error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusConflict, domain.ErrConcurrencyConflict},
	}
	for _, tc := range cases {
		c, _ := newTestClient(t, tc.status, `{"error":"boom"}`)
		err := c.MoveTask(context.Background(), "p1", "t1", "s1", 0)
		if !errors.Is(err, tc.target) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.target, err)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Message != "boom" {
			t.Fatalf("status %d: expected api message, got %v", tc.status, err)
		}
	}
}

func TestStatusErrorPlainBody(t *testing.T) {
	c, _ := newTestClient(t, http.StatusBadGateway, "upstream down\n")
	_, err := c.FetchStages(context.Background(), "p1")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusBadGateway || se.Message != "upstream down" {
		t.Fatalf("unexpected error %+v", se)
	}
	if errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("502 should not match not found")
	}
}

func TestCreateTask(t *testing.T) {
	c, calls := newTestClient(t, http.StatusCreated, `{"id":"t9","stageId":"s1","title":"New","priority":"MEDIUM","order":3}`)
	task, err := c.CreateTask(context.Background(), "p1", "s1", TaskInput{Title: "New"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID != "t9" || task.Order != 3 {
		t.Fatalf("unexpected task %+v", task)
	}
	got := (*calls)[0]
	if got.path != "/api/phases/p1/stages/s1/tasks" || !strings.Contains(got.body, `"title":"New"`) {
		t.Fatalf("unexpected request %s %s", got.path, got.body)
	}
}

func TestCreateStage(t *testing.T) {
	c, calls := newTestClient(t, http.StatusCreated, `{"id":"s9","name":"Review","status":"PENDING","order":2,"tasks":[]}`)
	stage, err := c.CreateStage(context.Background(), "p1", "Review", "", "")
	if err != nil {
		t.Fatalf("CreateStage: %v", err)
	}
	if stage.ID != "s9" || stage.Status != domain.StagePending {
		t.Fatalf("unexpected stage %+v", stage)
	}
	if (*calls)[0].body != `{"name":"Review"}` {
		t.Fatalf("unexpected body %s", (*calls)[0].body)
	}
}
