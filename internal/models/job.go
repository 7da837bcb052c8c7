package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a background job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobTypePaymentReconcile applies a classified provider payment result to
// the local session and subscription rows.
const JobTypePaymentReconcile = "payment_reconcile"

// Job is a unit of background work stored in the jobs table.
type Job struct {
	ID          int64      `json:"id"`
	JobType     string     `json:"job_type"`
	Payload     JSONB      `json:"payload"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastError   *string    `json:"last_error,omitempty"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	WorkerID    *string    `json:"worker_id,omitempty"`
}

// JSONB is a custom type for PostgreSQL JSONB columns.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// String returns the string stored under key, or "".
func (j JSONB) String(key string) string {
	v, _ := j[key].(string)
	return v
}

// Validate checks the job can be enqueued.
func (j *Job) Validate() error {
	if j.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// PaymentResult is the payload of a payment_reconcile job.
type PaymentResult struct {
	Provider         string `json:"provider"`
	SessionID        string `json:"session_id"`
	Outcome          string `json:"outcome"`
	RawStatus        string `json:"raw_status"`
	CustomerID       string `json:"customer_id,omitempty"`
	CurrentPeriodEnd string `json:"current_period_end,omitempty"`
}

// ToJSONB converts the result into a job payload.
func (p PaymentResult) ToJSONB() JSONB {
	out := JSONB{
		"provider":   p.Provider,
		"session_id": p.SessionID,
		"outcome":    p.Outcome,
		"raw_status": p.RawStatus,
	}
	if p.CustomerID != "" {
		out["customer_id"] = p.CustomerID
	}
	if p.CurrentPeriodEnd != "" {
		out["current_period_end"] = p.CurrentPeriodEnd
	}
	return out
}

// PaymentResultFromJSONB reads a payment_reconcile payload.
func PaymentResultFromJSONB(j JSONB) (PaymentResult, error) {
	res := PaymentResult{
		Provider:         j.String("provider"),
		SessionID:        j.String("session_id"),
		Outcome:          j.String("outcome"),
		RawStatus:        j.String("raw_status"),
		CustomerID:       j.String("customer_id"),
		CurrentPeriodEnd: j.String("current_period_end"),
	}
	if res.SessionID == "" {
		return PaymentResult{}, fmt.Errorf("missing session_id in payload")
	}
	if res.Outcome == "" {
		return PaymentResult{}, fmt.Errorf("missing outcome in payload")
	}
	return res, nil
}
