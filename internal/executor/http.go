package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPExecutor calls the AI audit service over HTTP.
//
// Outcome mapping:
// - invalid audio URL: terminal, no upstream call is made
// - network error / context deadline: retryable
// - 429 and 5xx: retryable
// - other 4xx: terminal
type HTTPExecutor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPExecutor(baseURL, apiKey string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type auditRequest struct {
	AudioURL   string `json:"audio_url"`
	AgentName  string `json:"agent_name,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	CampaignID string `json:"campaign_id"`
	JobID      string `json:"job_id"`
}

type auditResponse struct {
	AuditID string  `json:"audit_id"`
	Score   float64 `json:"score"`
	Error   string  `json:"error,omitempty"`
}

func (x *HTTPExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	if err := validateAudioURL(req.AudioURL); err != nil {
		return Result{}, &Error{Message: err.Error(), Retryable: false}
	}
	if x.baseURL == "" {
		return Result{}, &Error{Message: "audit service URL not configured", Retryable: false}
	}

	body, err := json.Marshal(auditRequest{
		AudioURL:   req.AudioURL,
		AgentName:  req.AgentName,
		CallID:     req.CallID,
		CampaignID: req.CampaignID,
		JobID:      req.JobID,
	})
	if err != nil {
		return Result{}, &Error{Message: fmt.Sprintf("encode request: %v", err), Retryable: false}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+"/v1/audits", bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Message: fmt.Sprintf("build request: %v", err), Retryable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if x.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+x.apiKey)
	}

	resp, err := x.client.Do(httpReq)
	if err != nil {
		// Timeouts, DNS failures, refused connections: all transient.
		return Result{}, &Error{Message: fmt.Sprintf("audit call failed: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &Error{Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Result{}, &Error{Message: upstreamMessage(raw, resp.StatusCode), Retryable: true, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return Result{}, &Error{Message: upstreamMessage(raw, resp.StatusCode), Retryable: false, StatusCode: resp.StatusCode}
	}

	var out auditResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, &Error{Message: fmt.Sprintf("decode response: %v", err), Retryable: true, StatusCode: resp.StatusCode}
	}
	if out.AuditID == "" {
		return Result{}, &Error{Message: "audit service returned no audit_id", Retryable: true, StatusCode: resp.StatusCode}
	}
	return Result{AuditID: out.AuditID, Score: out.Score}, nil
}

func validateAudioURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("audio_url is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("malformed audio_url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported audio_url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("audio_url has no host")
	}
	return nil
}

func upstreamMessage(raw []byte, status int) string {
	var out auditResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Error != "" {
		return out.Error
	}
	return fmt.Sprintf("audit service returned status %d", status)
}

var _ AuditExecutor = (*HTTPExecutor)(nil)
