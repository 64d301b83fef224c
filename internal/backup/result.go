package backup

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is how processing of one instance ended.
type Outcome string

// Instance outcomes.
const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeSkippedNoKey       Outcome = "skipped_no_key"
	OutcomeSkippedUnreachable Outcome = "skipped_unreachable"
	OutcomeFailed             Outcome = "failed"
)

// Skipped reports whether the instance was skipped without a failure.
func (o Outcome) Skipped() bool {
	return o == OutcomeSkippedNoKey || o == OutcomeSkippedUnreachable
}

// InstanceResult records what happened to one instance.
type InstanceResult struct {
	Tag        string
	InstanceID string
	PrivateIP  string
	KeyPath    string
	Outcome    Outcome
	// Started is true when this run powered the instance on.
	Started bool
	// Stopped is true when this run powered it back off.
	Stopped   bool
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Error returns the failure text, or "" on success.
func (r InstanceResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// RunResult summarises one backup run.
type RunResult struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Tags       []string
	// Missing lists tags that matched no running or stopped instance.
	Missing   []string
	Instances []InstanceResult
	// Err is the error that ended the run, if any.
	Err error
}

// Count returns the number of instances with the given outcome.
func (r *RunResult) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Instances {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// SkippedCount returns the number of instances skipped without a failure.
func (r *RunResult) SkippedCount() int {
	n := 0
	for _, res := range r.Instances {
		if res.Outcome.Skipped() {
			n++
		}
	}
	return n
}

// Failed returns the results whose outcome is OutcomeFailed.
func (r *RunResult) Failed() []InstanceResult {
	var out []InstanceResult
	for _, res := range r.Instances {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}
