package executor

import (
	"context"
	"errors"
	"fmt"
)

// Request carries one job's payload to the external audit operation.
// AgentName and CallID are opaque metadata passed through for the audit
// record; the engine never interprets them.
type Request struct {
	CampaignID string `json:"campaign_id"`
	JobID      string `json:"job_id"`
	AudioURL   string `json:"audio_url"`
	AgentName  string `json:"agent_name,omitempty"`
	CallID     string `json:"call_id,omitempty"`
}

// Result is the successful outcome of an audit invocation. AuditID is a
// back-reference to the externally produced audit record (lookup only).
type Result struct {
	AuditID string  `json:"audit_id"`
	Score   float64 `json:"score"`
}

// AuditExecutor invokes the external audit operation for one job and
// translates its outcome. It is the only component that talks to the AI
// collaborator.
type AuditExecutor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Error is a job execution failure. Retryable distinguishes transient causes
// (timeouts, upstream rate limiting, network) from terminal ones (malformed
// audio URL, unsupported format). Terminal failures bypass the requeue path.
type Error struct {
	Message   string
	Retryable bool
	// StatusCode is the upstream HTTP status when applicable; zero otherwise.
	StatusCode int
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("executor: %s failure (status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("executor: %s failure: %s", kind, e.Message)
}

// Retryable reports whether err is a retryable execution failure.
// Unknown error types are treated as retryable: the safe default for an
// opaque transport error is another attempt within the retry budget.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// Message extracts the human-readable failure message for the job record.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
