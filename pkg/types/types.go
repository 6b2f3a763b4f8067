// Package types defines the core domain model shared across the
// orchestration service: runs, their lifecycle states, the resolved
// job specification handed to workers, and the error taxonomy that
// the HTTP layer maps onto status codes.
package types

import (
	"errors"
	"time"
)

// RunID uniquely identifies a training run. IDs are generated at
// admission time and never reused.
type RunID string

// RunStatus is the closed set of run lifecycle states. API responses
// emit exactly these strings — "completed" is used for success, never
// "succeeded".
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"    // admitted, waiting for a worker slot
	StatusRunning   RunStatus = "running"   // a worker slot is executing the training call
	StatusCompleted RunStatus = "completed" // training finished successfully
	StatusFailed    RunStatus = "failed"    // training errored or timed out
	StatusCancelled RunStatus = "cancelled" // cancelled while queued or running
)

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether s counts against the per-tenant concurrency
// invariant.
func (s RunStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Artifacts holds references to externally stored training outputs.
// Populated only when a run completes.
type Artifacts struct {
	CheckpointURL string `json:"checkpoint_url,omitempty"`
	ReportURL     string `json:"report_url,omitempty"`
	LogsURL       string `json:"logs_url,omitempty"`
}

// Progress tracks in-flight training progress as reported by the
// executing trainer. All fields are best-effort.
type Progress struct {
	CurrentStep        int                `json:"current_step,omitempty"`
	TotalSteps         int                `json:"total_steps,omitempty"`
	CurrentEpoch       int                `json:"current_epoch,omitempty"`
	TotalEpochs        int                `json:"total_epochs,omitempty"`
	ProgressPercentage float64            `json:"progress_percentage"`
	CurrentPhase       string             `json:"current_phase"`
	PhaseMessage       string             `json:"phase_message,omitempty"`
	ETASeconds         *float64           `json:"eta_seconds,omitempty"`
	LastMetrics        map[string]float64 `json:"last_metrics,omitempty"`
}

// DPORecord is a single preference-optimization training record.
type DPORecord struct {
	Prompt    string   `json:"prompt" validate:"required,min=1"`
	Responses []string `json:"responses" validate:"required,min=2"`
	Pairs     [][]int  `json:"pairs" validate:"required,min=1"`
	SFTTarget string   `json:"sft_target" validate:"required,min=1"`
}

// JobSpec is the resolved, validated training configuration handed to
// the worker pool. The orchestration layer treats its contents as
// opaque beyond routing.
type JobSpec struct {
	RunID         RunID       `json:"run_id"`
	TenantKey     string      `json:"kb_id"`
	BaseModel     string      `json:"base_model"`
	Algo          string      `json:"algo"`
	ExpName       string      `json:"exp_name"`
	DatasetInline []DPORecord `json:"dataset_inline,omitempty"`
	DatasetURL    string      `json:"dataset_url,omitempty"`
}

// Run is the authoritative record of a submitted training run.
type Run struct {
	RunID         RunID              `json:"run_id"`
	TenantKey     string             `json:"kb_id"`
	OwnerID       string             `json:"uid"`
	ExpName       string             `json:"exp_name"`
	BaseModel     string             `json:"base_model"`
	Algo          string             `json:"algo"`
	Status        RunStatus          `json:"status"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Artifacts     Artifacts          `json:"artifacts"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Progress      Progress           `json:"progress"`
}

// Claims is the decoded identity assertion passed from the gateway.
// The gateway decides how admin is set; this service only checks it.
type Claims struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Admin bool   `json:"admin"`
}

// CanAccess reports whether the claims may read or cancel the given
// run. Admins may access any run; other callers only their own.
func (c Claims) CanAccess(r *Run) bool {
	return c.Admin || c.UID == r.OwnerID
}

// Error taxonomy. The HTTP layer maps these onto status codes; all
// other components return them unwrapped or wrapped with %w.
var (
	ErrUnauthorized      = errors.New("invalid or missing authentication")
	ErrForbidden         = errors.New("insufficient privileges")
	ErrValidation        = errors.New("invalid payload")
	ErrPayloadTooLarge   = errors.New("dataset too large")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrConcurrentJob     = errors.New("active run already exists for tenant")
	ErrNotFound          = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)
