package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"draftline/internal/domain"
)

// Writer appends audit rows to task_status_history inside the caller's
// transaction, so a status update and its audit entry commit together.
type Writer struct {
	Now func() time.Time
}

// Entry is the data recorded for one status change.
type Entry struct {
	TaskID         string
	PreviousStatus string
	NewStatus      string
	Actor          string
	Reason         string
	Metadata       map[string]any
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(domain.TimeLayout)
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	data, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal history metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_status_history(task_id,previous_status,new_status,actor,reason,metadata_json,timestamp) VALUES (?,?,?,?,?,?,?)`,
		e.TaskID, e.PreviousStatus, e.NewStatus, e.Actor, nullable(e.Reason), string(data), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
