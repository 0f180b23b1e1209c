package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/procflow/procflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, rec *DefinitionRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, version, name, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Version, nullStr(rec.Name), string(def), timeOrNow(rec.CreatedAt),
	)
	return err
}

// GetDefinition fetches one definition version. Version 0 means latest.
func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*DefinitionRecord, error) {
	query := `SELECT id, version, name, definition, created_at FROM definitions WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	rec := &DefinitionRecord{}
	var name sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&rec.ID, &rec.Version, &name, &defJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, limit int) ([]*DefinitionRecord, error) {
	query := `SELECT id, version, name, definition, created_at FROM definitions
	          ORDER BY id, version DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*DefinitionRecord
	for rows.Next() {
		rec := &DefinitionRecord{}
		var name sql.NullString
		var defJSON string
		if err := rows.Scan(&rec.ID, &rec.Version, &name, &defJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	triggerInput, err := marshalMapOrDefault(exec.TriggerInput)
	if err != nil {
		return fmt.Errorf("marshal trigger_input: %w", err)
	}
	identityCtx, err := marshalMapOrDefault(exec.IdentityContext)
	if err != nil {
		return fmt.Errorf("marshal identity_context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, definition_id, definition_version, status, initiator_id, parent_execution_id,
		   trigger_input, identity_context, context, frontier, step_count, output, error, cancel_reason,
		   deadline_at, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.DefinitionID, exec.DefinitionVersion, string(exec.Status),
		nullStr(exec.InitiatorID), nullStr(exec.ParentID),
		string(triggerInput), string(identityCtx), nullRaw(exec.Context), nullRaw(exec.Frontier),
		exec.StepCount, nullRaw(exec.Output), nullRaw(exec.Error), nullStr(exec.CancelReason),
		nullTime(exec.DeadlineAt), timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

const executionColumns = `id, definition_id, definition_version, status, initiator_id, parent_execution_id,
	trigger_input, identity_context, context, frontier, step_count, output, error, cancel_reason,
	deadline_at, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		initiator, parent, cancelReason		sql.NullString
		triggerJSON, identityJSON		string
		contextJSON, frontierJSON		sql.NullString
		outputJSON, errorJSON			sql.NullString
		deadlineAt, startedAt, completedAt	sql.NullTime
		status					string
	)
	err := row.Scan(&exec.ID, &exec.DefinitionID, &exec.DefinitionVersion, &status,
		&initiator, &parent, &triggerJSON, &identityJSON, &contextJSON, &frontierJSON,
		&exec.StepCount, &outputJSON, &errorJSON, &cancelReason,
		&deadlineAt, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.InitiatorID = initiator.String
	exec.ParentID = parent.String
	exec.CancelReason = cancelReason.String
	if triggerJSON != "" {
		_ = json.Unmarshal([]byte(triggerJSON), &exec.TriggerInput)
	}
	if identityJSON != "" {
		_ = json.Unmarshal([]byte(identityJSON), &exec.IdentityContext)
	}
	exec.Context = rawOrNil(contextJSON)
	exec.Frontier = rawOrNil(frontierJSON)
	exec.Output = rawOrNil(outputJSON)
	exec.Error = rawOrNil(errorJSON)
	if deadlineAt.Valid {
		exec.DeadlineAt = &deadlineAt.Time
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Frontier != nil {
		sets = append(sets, "frontier = ?")
		args = append(args, string(update.Frontier))
	}
	if update.StepCount != nil {
		sets = append(sets, "step_count = ?")
		args = append(args, *update.StepCount)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CancelReason != "" {
		sets = append(sets, "cancel_reason = ?")
		args = append(args, update.CancelReason)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.InitiatorID != "" {
		where = append(where, "initiator_id = ?")
		args = append(args, filter.InitiatorID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// --- Node results ---

func (s *LibSQLStore) UpsertNodeResult(ctx context.Context, result *NodeResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_results (execution_id, node_id, status, output, error, category, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error, category=excluded.category,
		   retry_count=excluded.retry_count, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		result.ExecutionID, result.NodeID, string(result.Status),
		nullRaw(result.Output), nullRaw(result.Error), nullStr(result.Category),
		result.RetryCount, nullTime(result.StartedAt), nullTime(result.CompletedAt), result.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeResult(ctx context.Context, executionID, nodeID string) (*NodeResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, node_id, status, output, error, category, retry_count, started_at, completed_at, duration_ms
		 FROM node_results WHERE execution_id = ? AND node_id = ?`, executionID, nodeID)
	nr, err := scanNodeResult(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_result", executionID+"/"+nodeID)
	}
	return nr, err
}

func scanNodeResult(row rowScanner) (*NodeResult, error) {
	nr := &NodeResult{}
	var status string
	var output, errJSON, category sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&nr.ExecutionID, &nr.NodeID, &status, &output, &errJSON, &category,
		&nr.RetryCount, &startedAt, &completedAt, &nr.DurationMs)
	if err != nil {
		return nil, err
	}
	nr.Status = schema.NodeStatus(status)
	nr.Output = rawOrNil(output)
	nr.Error = rawOrNil(errJSON)
	nr.Category = category.String
	if startedAt.Valid {
		nr.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		nr.CompletedAt = &completedAt.Time
	}
	return nr, nil
}

func (s *LibSQLStore) ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, status, output, error, category, retry_count, started_at, completed_at, duration_ms
		 FROM node_results WHERE execution_id = ? ORDER BY started_at ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*NodeResult
	for rows.Next() {
		nr, err := scanNodeResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, nr)
	}
	return results, rows.Err()
}

// --- Approval / form / delay requests ---

func (s *LibSQLStore) CreateRequest(ctx context.Context, req *ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, execution_id, node_id, kind, assignees, title, message, fields,
		   deadline_at, fallback, escalated, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExecutionID, req.NodeID, req.Kind,
		nullRaw(req.Assignees), nullStr(req.Title), nullStr(req.Message), nullRaw(req.Fields),
		nullTime(req.DeadlineAt), nullStr(req.Fallback), req.Escalated, req.Status, timeOrNow(req.CreatedAt),
	)
	return err
}

const requestColumns = `id, execution_id, node_id, kind, assignees, title, message, fields,
	deadline_at, fallback, escalated, status, decision, decided_by, decided_at, created_at`

func (s *LibSQLStore) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval_request", id)
	}
	return req, err
}

// GetPendingRequest returns the open request parked on one node, if any.
func (s *LibSQLStore) GetPendingRequest(ctx context.Context, executionID, nodeID string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests
		 WHERE execution_id = ? AND node_id = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`, executionID, nodeID, RequestPending)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval_request", executionID+"/"+nodeID)
	}
	return req, err
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var assignees, title, message, fields, fallback, decision, decidedBy sql.NullString
	var deadlineAt, decidedAt sql.NullTime
	err := row.Scan(&req.ID, &req.ExecutionID, &req.NodeID, &req.Kind,
		&assignees, &title, &message, &fields,
		&deadlineAt, &fallback, &req.Escalated, &req.Status,
		&decision, &decidedBy, &decidedAt, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	req.Assignees = rawOrNil(assignees)
	req.Title = title.String
	req.Message = message.String
	req.Fields = rawOrNil(fields)
	req.Fallback = fallback.String
	req.Decision = rawOrNil(decision)
	req.DecidedBy = decidedBy.String
	if deadlineAt.Valid {
		req.DeadlineAt = &deadlineAt.Time
	}
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return req, nil
}

// DecideRequest records a decision on a pending request. The pending-status
// guard makes decisions first-writer-wins: a second decision on the same
// request reports not-found and the caller surfaces it as stale.
func (s *LibSQLStore) DecideRequest(ctx context.Context, id, status, decidedBy string, decision []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = ?, decision = ?, decided_by = ?, decided_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		status, nullRaw(decision), nullStr(decidedBy), id, RequestPending,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending approval_request", id)
}

// EscalateRequest re-assigns a pending request and re-arms its deadline,
// marking it escalated so the sweeper only escalates once.
func (s *LibSQLStore) EscalateRequest(ctx context.Context, id string, assignees []byte, deadline *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET assignees = ?, deadline_at = ?, escalated = 1
		 WHERE id = ? AND status = ? AND escalated = 0`,
		nullRaw(assignees), nullTime(deadline), id, RequestPending,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending approval_request", id)
}

func (s *LibSQLStore) CancelRequestsForExecution(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ? WHERE execution_id = ? AND status = ?`,
		RequestCancelled, executionID, RequestPending,
	)
	return err
}

func (s *LibSQLStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.DueBefore != nil {
		where = append(where, "deadline_at IS NOT NULL AND deadline_at <= ?")
		args = append(args, *filter.DueBefore)
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction, so a concurrent
	// writer could read the same MAX(sequence). Force write-lock acquisition
	// with a write-intent noop before reading the sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_migrations WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	// Next sequence number for this execution.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, payload, nullStr(event.Actor), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, actor, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, node_id, event_type, payload, actor, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, actor sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Actor = actor.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, definition_id, definition_version, cron, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.DefinitionID, sched.Version, sched.Cron, nullRaw(sched.Input),
		sched.Enabled, nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, definition_version, cron, input, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var input, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&sched.ID, &sched.DefinitionID, &sched.Version, &sched.Cron, &input,
		&sched.Enabled, &lastRun, &nextRun, &lastStatus, &sched.CreatedAt)
	if err != nil {
		return nil, err
	}
	sched.Input = rawOrNil(input)
	sched.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, definition_id, definition_version, cron, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ProcessError {
	return schema.NewErrorf(schema.CategoryInfrastructure, schema.ErrCodeNotFound,
		"%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
