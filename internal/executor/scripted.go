package executor

import (
	"context"
	"sync"
)

// Outcome is one scripted executor response.
type Outcome struct {
	Result Result
	Err    error
}

// ScriptedExecutor is a deterministic AuditExecutor for tests. Per-job
// outcome scripts are consumed in order; jobs without a script fall back to
// Default (or a generic success when Default is nil).
type ScriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string][]Outcome
	calls   []Request

	Default func(req Request) (Result, error)
}

func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{scripts: make(map[string][]Outcome)}
}

// Script appends outcomes for a job id, consumed one per Execute call.
func (x *ScriptedExecutor) Script(jobID string, outcomes ...Outcome) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.scripts[jobID] = append(x.scripts[jobID], outcomes...)
}

func (x *ScriptedExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	x.mu.Lock()
	x.calls = append(x.calls, req)
	if outs := x.scripts[req.JobID]; len(outs) > 0 {
		out := outs[0]
		x.scripts[req.JobID] = outs[1:]
		x.mu.Unlock()
		return out.Result, out.Err
	}
	x.mu.Unlock()

	if x.Default != nil {
		return x.Default(req)
	}
	return Result{AuditID: "audit-" + req.JobID, Score: 87.5}, nil
}

// Calls returns a copy of every request seen so far.
func (x *ScriptedExecutor) Calls() []Request {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Request, len(x.calls))
	copy(out, x.calls)
	return out
}

var _ AuditExecutor = (*ScriptedExecutor)(nil)
