package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"pov-board/domain"
)

// SQLite stores phase boards in a local SQLite database. It backs single-node
// deployments and development setups without Azure storage.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate creates the board tables when they do not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS stages (
		phase_id     TEXT NOT NULL,
		id           TEXT NOT NULL,
		name         TEXT NOT NULL,
		description  TEXT DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'PENDING',
		position     INTEGER NOT NULL,
		PRIMARY KEY (phase_id, id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		phase_id        TEXT NOT NULL,
		id              TEXT NOT NULL,
		stage_id        TEXT NOT NULL,
		title           TEXT NOT NULL,
		description     TEXT DEFAULT '',
		priority        TEXT DEFAULT 'MEDIUM',
		assignee_id     TEXT DEFAULT '',
		assignee_name   TEXT DEFAULT '',
		assignee_email  TEXT DEFAULT '',
		due_date        DATETIME,
		position        INTEGER NOT NULL,
		PRIMARY KEY (phase_id, id)
	);

	CREATE INDEX IF NOT EXISTS tasks_by_stage ON tasks (phase_id, stage_id, position);

	CREATE TABLE IF NOT EXISTS events (
		id           TEXT PRIMARY KEY,
		phase_id     TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		data         TEXT DEFAULT '',
		timestamp    INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// FetchStages retrieves every stage of the phase with its tasks.
func (s *SQLite) FetchStages(ctx context.Context, phaseID string) ([]domain.Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, status, position FROM stages WHERE phase_id = ? ORDER BY position, id`, phaseID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	stages := []domain.Stage{}
	for rows.Next() {
		st := domain.Stage{PhaseID: phaseID, Tasks: []domain.Task{}}
		var status string
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &status, &st.Order); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Status = domain.StageStatus(status)
		stages = append(stages, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, stage_id, title, description, priority, assignee_id, assignee_name, assignee_email, due_date, position
		 FROM tasks WHERE phase_id = ? ORDER BY position, id`, phaseID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var priority, assigneeID, assigneeName, assigneeEmail string
		var due sql.NullTime
		if err := rows.Scan(&t.ID, &t.StageID, &t.Title, &t.Description, &priority,
			&assigneeID, &assigneeName, &assigneeEmail, &due, &t.Order); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Priority = domain.Priority(priority)
		t.Assignee = domain.NewAssignee(assigneeID, assigneeName, assigneeEmail)
		if due.Valid {
			d := due.Time.UTC()
			t.DueDate = &d
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assemble(stages, tasks), nil
}

// ApplyStageOrder writes every listed stage position in one transaction.
func (s *SQLite) ApplyStageOrder(ctx context.Context, phaseID string, orders []domain.StageOrder) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, o := range orders {
			res, err := tx.ExecContext(ctx,
				`UPDATE stages SET position = ? WHERE phase_id = ? AND id = ?`, o.Order, phaseID, o.StageID)
			if err != nil {
				return err
			}
			if err := requireRow(res, "stage", o.StageID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyTaskPlacements writes every listed task placement in one transaction.
func (s *SQLite) ApplyTaskPlacements(ctx context.Context, phaseID string, placements []domain.TaskPlacement) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range placements {
			res, err := tx.ExecContext(ctx,
				`UPDATE tasks SET stage_id = ?, position = ? WHERE phase_id = ? AND id = ?`,
				p.StageID, p.Order, phaseID, p.TaskID)
			if err != nil {
				return err
			}
			if err := requireRow(res, "task", p.TaskID); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateStage inserts a new stage.
func (s *SQLite) CreateStage(ctx context.Context, phaseID string, st domain.Stage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stages (phase_id, id, name, description, status, position) VALUES (?, ?, ?, ?, ?, ?)`,
		phaseID, st.ID, st.Name, st.Description, string(st.Status), st.Order)
	return classifySQL(err)
}

// CreateTask inserts a new task.
func (s *SQLite) CreateTask(ctx context.Context, phaseID string, t domain.Task) error {
	var assigneeID, assigneeName, assigneeEmail string
	if t.Assignee != nil {
		assigneeID, assigneeName, assigneeEmail = t.Assignee.ID, t.Assignee.Name, t.Assignee.Email
	}
	var due sql.NullTime
	if t.DueDate != nil {
		due = sql.NullTime{Time: t.DueDate.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (phase_id, id, stage_id, title, description, priority, assignee_id, assignee_name, assignee_email, due_date, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		phaseID, t.ID, t.StageID, t.Title, t.Description, string(t.Priority),
		assigneeID, assigneeName, assigneeEmail, due, t.Order)
	return classifySQL(err)
}

// RecordEvents appends board events to the events table.
func (s *SQLite) RecordEvents(ctx context.Context, userID string, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO events (id, phase_id, user_id, entity_id, entity_type, event_type, data, timestamp)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.ID, ev.PhaseID, userID, ev.EntityID, ev.EntityType, ev.Type, string(ev.Data), ev.Timestamp); err != nil {
				return classifySQL(err)
			}
		}
		return nil
	})
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

func classifySQL(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY") {
		return fmt.Errorf("%w: %w", domain.ErrConcurrencyConflict, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	return err
}
