package domain

// TimeLayout is RFC 3339 with fixed-width nanoseconds. Timestamps are
// stored as strings and ordered lexicographically, which is only
// chronological when every value has the same width.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Task is one unit of requested content generation work.
type Task struct {
	ID              string            `json:"id"`
	Topic           string            `json:"topic"`
	Style           string            `json:"style,omitempty"`
	Tone            string            `json:"tone,omitempty"`
	TargetWordCount int               `json:"target_word_count"`
	Status          string            `json:"status" enum:"pending,processing,awaiting_approval,published,rejected,failed,validation_failed"`
	Stage           *string           `json:"stage,omitempty"`
	DraftContent    *string           `json:"draft_content,omitempty"`
	QualityScore    *float64          `json:"quality_score,omitempty"`
	RefinementCount int               `json:"refinement_count"`
	ModelOverrides  map[string]string `json:"model_overrides,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
	CompletedAt     *string           `json:"completed_at,omitempty" format:"date-time"`
}

// StatusHistoryEntry is one append-only audit record of a status change.
// Rows are written only on a validated transition and never mutated.
type StatusHistoryEntry struct {
	ID             int64          `json:"id"`
	TaskID         string         `json:"task_id"`
	PreviousStatus string         `json:"previous_status"`
	NewStatus      string         `json:"new_status"`
	Actor          string         `json:"actor"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      string         `json:"timestamp" format:"date-time"`
}
