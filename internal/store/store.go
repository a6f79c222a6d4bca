package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"draftline/internal/domain"
	"draftline/internal/history"
	"draftline/internal/status"
)

// Store is the durable record of tasks and their append-only status
// history. It is the single shared mutable resource; all cross-process
// coordination goes through it.
type Store struct {
	DB      *sql.DB
	History history.Writer
	Now     func() time.Time
}

var ErrNotFound = errors.New("not found")

// ValidationError rejects bad task-creation input before persistence.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func New(db *sql.DB) Store {
	return Store{
		DB:      db,
		History: history.Writer{},
		Now:     time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateTaskOptions are parameters for creating a task. The generation
// parameters are immutable after creation.
type CreateTaskOptions struct {
	Topic           string
	Style           string
	Tone            string
	TargetWordCount int
	ModelOverrides  map[string]string
}

func (s Store) CreateTask(ctx context.Context, opts CreateTaskOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Topic) == "" {
		return domain.Task{}, &ValidationError{Field: "topic", Reason: "must not be empty"}
	}
	if opts.TargetWordCount <= 0 {
		return domain.Task{}, &ValidationError{Field: "target_word_count", Reason: "must be positive"}
	}
	now := s.now().UTC().Format(domain.TimeLayout)
	t := domain.Task{
		ID:              uuid.New().String(),
		Topic:           strings.TrimSpace(opts.Topic),
		Style:           opts.Style,
		Tone:            opts.Tone,
		TargetWordCount: opts.TargetWordCount,
		Status:          status.Pending,
		ModelOverrides:  opts.ModelOverrides,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	overridesJSON, err := marshalMapString(t.ModelOverrides)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO tasks(id,topic,style,tone,target_word_count,status,refinement_count,model_overrides_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,0,?,?,?)`,
		t.ID, t.Topic, nullable(t.Style), nullable(t.Tone), t.TargetWordCount, t.Status, overridesJSON, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

const taskColumns = `id,topic,style,tone,target_word_count,status,stage,draft_content,quality_score,refinement_count,model_overrides_json,metadata_json,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var style, tone, stage, draft, overrides, metadata, completedAt sql.NullString
	var score sql.NullFloat64
	err := row.Scan(&t.ID, &t.Topic, &style, &tone, &t.TargetWordCount, &t.Status, &stage, &draft, &score,
		&t.RefinementCount, &overrides, &metadata, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if style.Valid {
		t.Style = style.String
	}
	if tone.Valid {
		t.Tone = tone.String
	}
	if stage.Valid {
		t.Stage = &stage.String
	}
	if draft.Valid {
		t.DraftContent = &draft.String
	}
	if score.Valid {
		t.QualityScore = &score.Float64
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &t.ModelOverrides); err != nil {
			return t, fmt.Errorf("decode model overrides: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return t, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	return t, nil
}

func (s Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (s Store) getTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	Status string
	Limit  int
}

func (s Store) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PendingTasks returns actionable tasks oldest first: pending tasks
// plus validation_failed tasks still within their retry bound.
func (s Store) PendingTasks(ctx context.Context, limit, maxRefinementAttempts int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status=? OR (status=? AND refinement_count < ?)
ORDER BY created_at ASC, id ASC LIMIT ?`,
		status.Pending, status.ValidationFailed, maxRefinementAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateStatusOptions carry the audit fields and any task fields the
// caller persists together with the transition.
type UpdateStatusOptions struct {
	Actor           string
	Reason          string
	Metadata        map[string]any
	Draft           *string
	QualityScore    *float64
	RefinementCount *int
	Stage           *string
}

// UpdateStatus validates the requested transition, then updates the
// task row and appends the audit entry in one transaction. The row
// update is guarded by the previous status, so a concurrent transition
// on the same task makes exactly one caller win; the loser gets an
// InvalidTransitionError and no writes.
func (s Store) UpdateStatus(ctx context.Context, taskID, newStatus string, opts UpdateStatusOptions) (domain.Task, error) {
	if !status.Known(newStatus) {
		return domain.Task{}, &status.InvalidTransitionError{From: "", To: newStatus}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := s.getTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	prev := t.Status
	if err := status.Validate(prev, newStatus); err != nil {
		return domain.Task{}, err
	}

	if opts.Draft != nil {
		t.DraftContent = opts.Draft
	}
	if opts.QualityScore != nil {
		t.QualityScore = opts.QualityScore
	}
	if opts.RefinementCount != nil {
		t.RefinementCount = *opts.RefinementCount
	}
	if opts.Stage != nil {
		t.Stage = opts.Stage
	}
	if len(opts.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		for k, v := range opts.Metadata {
			t.Metadata[k] = v
		}
	}
	t.Status = newStatus
	nowStr := s.now().UTC().Format(domain.TimeLayout)
	t.UpdatedAt = nowStr
	if status.Terminal(newStatus) {
		t.CompletedAt = &nowStr
	}

	metadataJSON, err := marshalMapAny(t.Metadata)
	if err != nil {
		return domain.Task{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, stage=?, draft_content=?, quality_score=?, refinement_count=?, metadata_json=?, updated_at=?, completed_at=?
WHERE id=? AND status=?`,
		t.Status, nullableStringPtr(t.Stage), nullableStringPtr(t.DraftContent), nullableFloatPtr(t.QualityScore),
		t.RefinementCount, metadataJSON, t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID, prev)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost a claim race: the row moved on since we read it
		return domain.Task{}, &status.InvalidTransitionError{From: prev, To: newStatus}
	}

	snapshot := map[string]any{
		"refinement_count": t.RefinementCount,
	}
	if t.Stage != nil {
		snapshot["stage"] = *t.Stage
	}
	if t.QualityScore != nil {
		snapshot["quality_score"] = *t.QualityScore
	}
	for k, v := range opts.Metadata {
		snapshot[k] = v
	}
	w := s.History
	if w.Now == nil {
		w.Now = s.Now
	}
	if err := w.Append(ctx, tx, history.Entry{
		TaskID:         t.ID,
		PreviousStatus: prev,
		NewStatus:      newStatus,
		Actor:          opts.Actor,
		Reason:         opts.Reason,
		Metadata:       snapshot,
	}); err != nil {
		return domain.Task{}, fmt.Errorf("append history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SetStage records pipeline progress on the task row. Stage changes
// are not status transitions and carry no audit entry.
func (s Store) SetStage(ctx context.Context, taskID, stage string) error {
	now := s.now().UTC().Format(domain.TimeLayout)
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET stage=?, updated_at=? WHERE id=?`, stage, now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanHistory(rows *sql.Rows) (domain.StatusHistoryEntry, error) {
	var e domain.StatusHistoryEntry
	var reason, metadata sql.NullString
	if err := rows.Scan(&e.ID, &e.TaskID, &e.PreviousStatus, &e.NewStatus, &e.Actor, &reason, &metadata, &e.Timestamp); err != nil {
		return e, err
	}
	if reason.Valid {
		e.Reason = reason.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode history metadata: %w", err)
		}
	}
	return e, nil
}

const historyColumns = `id,task_id,previous_status,new_status,actor,reason,metadata_json,timestamp`

// StatusHistory returns the full ordered audit trail for a task.
func (s Store) StatusHistory(ctx context.Context, taskID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM task_status_history WHERE task_id=? ORDER BY timestamp ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// FailureFilters narrows FailedValidations.
type FailureFilters struct {
	TaskID string
	Limit  int
}

// FailedValidations returns history entries whose new status is
// validation_failed or failed, newest first, for triage.
func (s Store) FailedValidations(ctx context.Context, f FailureFilters) ([]domain.StatusHistoryEntry, error) {
	clauses := []string{"new_status IN (?,?)"}
	args := []any{status.ValidationFailed, status.Failed}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	query := `SELECT ` + historyColumns + ` FROM task_status_history WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountByStatus returns task counts grouped by status.
func (s Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var st string
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, err
		}
		res[st] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalMapString(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMapAny(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
