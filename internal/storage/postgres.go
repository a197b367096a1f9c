package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stojanov/taskrun/pkg/models"
	"github.com/stojanov/taskrun/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore archives execution snapshots and metric samples.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

type executionRow struct {
	ID         string     `db:"id"`
	Workflow   string     `db:"workflow"`
	Status     string     `db:"status"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Metadata   []byte     `db:"metadata"`
}

type taskRow struct {
	ExecutionID string         `db:"execution_id"`
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Operation   string         `db:"operation"`
	Params      []byte         `db:"params"`
	DependsOn   pq.StringArray `db:"depends_on"`
	TimeoutMs   int64          `db:"timeout_ms"`
	MaxRetries  int            `db:"max_retries"`
	RetryCount  int            `db:"retry_count"`
	Status      string         `db:"status"`
	Result      []byte         `db:"result"`
	ErrorMsg    string         `db:"error_msg"`
	StartedAt   *time.Time     `db:"started_at"`
	FinishedAt  *time.Time     `db:"finished_at"`
	Position    int            `db:"position"`
}

// SaveExecution upserts the execution snapshot and replaces its task records.
func (s *PostgresStore) SaveExecution(e *models.Execution) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal execution %s metadata: %w", e.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO executions (id, workflow, status, started_at, finished_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = $3, finished_at = $5, metadata = $6`,
		e.ID, e.Workflow, e.Status, e.StartedAt, e.FinishedAt, metadata)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", e.ID, err)
	}
	if _, err := s.db.Exec("DELETE FROM tasks WHERE execution_id = $1", e.ID); err != nil {
		return fmt.Errorf("clear tasks of execution %s: %w", e.ID, err)
	}
	for i, t := range e.Tasks {
		params, err := json.Marshal(t.Params)
		if err != nil {
			return fmt.Errorf("marshal task %s params: %w", t.ID, err)
		}
		result, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal task %s result: %w", t.ID, err)
		}
		_, err = s.db.Exec(`
			INSERT INTO tasks (execution_id, id, name, description, operation, params, depends_on,
				timeout_ms, max_retries, retry_count, status, result, error_msg, started_at, finished_at, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			e.ID, t.ID, t.Name, t.Description, t.Operation, params, pq.StringArray(t.DependsOn),
			t.Timeout.Milliseconds(), t.MaxRetries, t.RetryCount, t.Status, result, t.ErrorMsg,
			t.StartedAt, t.FinishedAt, i)
		if err != nil {
			return fmt.Errorf("save task %s of execution %s: %w", t.ID, e.ID, err)
		}
	}
	return nil
}

// GetExecution retrieves an archived execution with its tasks.
func (s *PostgresStore) GetExecution(id string) (*models.Execution, error) {
	var row executionRow
	err := s.db.Get(&row, "SELECT * FROM executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	exec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	exec.Tasks, err = s.GetTasks(id)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *PostgresStore) ListExecutions() ([]*models.Execution, error) {
	rows := []executionRow{}
	err := s.db.Select(&rows, "SELECT * FROM executions ORDER BY started_at DESC")
	if err != nil {
		return nil, err
	}
	out := make([]*models.Execution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// GetTasks retrieves the task records of an archived execution in
// definition order.
func (s *PostgresStore) GetTasks(executionID string) ([]*models.Task, error) {
	rows := []taskRow{}
	err := s.db.Select(&rows, "SELECT * FROM tasks WHERE execution_id = $1 ORDER BY position", executionID)
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *PostgresStore) SaveMetricSample(metric string, sample models.MetricSample) error {
	value, err := json.Marshal(sample.Value)
	if err != nil {
		return fmt.Errorf("marshal metric %s value: %w", metric, err)
	}
	metadata, err := json.Marshal(sample.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metric %s metadata: %w", metric, err)
	}
	_, err = s.db.Exec("INSERT INTO metrics (name, ts, value, metadata) VALUES ($1, $2, $3, $4)",
		metric, sample.Timestamp, value, metadata)
	return err
}

func (s *PostgresStore) GetMetricSamples(metric string) ([]models.MetricSample, error) {
	type metricRow struct {
		Ts       time.Time `db:"ts"`
		Value    []byte    `db:"value"`
		Metadata []byte    `db:"metadata"`
	}
	rows := []metricRow{}
	err := s.db.Select(&rows, "SELECT ts, value, metadata FROM metrics WHERE name = $1 ORDER BY ts", metric)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	samples := make([]models.MetricSample, 0, len(rows))
	for _, row := range rows {
		sample := models.MetricSample{Timestamp: row.Ts}
		if err := json.Unmarshal(row.Value, &sample.Value); err != nil {
			return nil, fmt.Errorf("unmarshal metric %s value: %w", metric, err)
		}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &sample.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metric %s metadata: %w", metric, err)
			}
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (row executionRow) toModel() (*models.Execution, error) {
	exec := &models.Execution{
		ID:         row.ID,
		Workflow:   row.Workflow,
		Status:     models.ExecutionStatus(row.Status),
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &exec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal execution %s metadata: %w", row.ID, err)
		}
	}
	return exec, nil
}

func (row taskRow) toModel() (*models.Task, error) {
	t := &models.Task{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Operation:   row.Operation,
		DependsOn:   []string(row.DependsOn),
		Timeout:     time.Duration(row.TimeoutMs) * time.Millisecond,
		MaxRetries:  row.MaxRetries,
		RetryCount:  row.RetryCount,
		Status:      models.TaskStatus(row.Status),
		ErrorMsg:    row.ErrorMsg,
		StartedAt:   row.StartedAt,
		FinishedAt:  row.FinishedAt,
	}
	if len(row.Params) > 0 {
		if err := json.Unmarshal(row.Params, &t.Params); err != nil {
			return nil, fmt.Errorf("unmarshal task %s params: %w", row.ID, err)
		}
	}
	if len(row.Result) > 0 {
		if err := json.Unmarshal(row.Result, &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal task %s result: %w", row.ID, err)
		}
	}
	return t, nil
}
