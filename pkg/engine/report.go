package engine

import (
	"errors"
	"time"
)

// Report is the outcome of a convergence run.
type Report struct {
	// RunID is the unique identifier of the run.
	RunID string `json:"run_id"`

	// Status is the overall status of the run.
	Status RunStatus `json:"status"`

	// DryRun marks a why-run pass where nothing was modified.
	DryRun bool `json:"dry_run"`

	// User is the user who started the run.
	User string `json:"user,omitempty"`

	// RunList is the list of recipes that produced the resources.
	RunList []string `json:"run_list,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`

	// Executions lists every attempted action in execution order.
	Executions []Execution `json:"executions"`

	// Resources lists the terminal status of every declared resource in
	// declaration order.
	Resources []ResourceResult `json:"resources"`

	// Error is the message of the error that halted the run, if any.
	Error string `json:"error,omitempty"`

	err error
}

// Summary counts declared resources by terminal status.
type Summary struct {
	Total     int `json:"total"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	// Executions is the number of attempted actions, notifications included.
	Executions int `json:"executions"`
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run completed without an unhandled failure.
func (r *Report) Succeeded() bool {
	return r.Status == RunStatusSucceeded
}

// Err returns the error that halted the run, or nil.
func (r *Report) Err() error {
	if r.err != nil {
		return r.err
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

// Result returns the aggregated result of a declared resource.
func (r *Report) Result(id ResourceID) (ResourceResult, bool) {
	for _, res := range r.Resources {
		if res.ID == id {
			return res, true
		}
	}
	return ResourceResult{}, false
}

// ExecutionsFor returns the executions of a resource in execution order.
func (r *Report) ExecutionsFor(id ResourceID) []Execution {
	var out []Execution
	for _, e := range r.Executions {
		if e.Resource == id {
			out = append(out, e)
		}
	}
	return out
}

// Changed returns the resources whose state changed.
func (r *Report) Changed() []ResourceID {
	return r.filter(func(res ResourceResult) bool { return res.Status == StatusChanged })
}

// Unchanged returns the resources that were already converged.
func (r *Report) Unchanged() []ResourceID {
	return r.filter(func(res ResourceResult) bool { return res.Status == StatusUnchanged })
}

// Skipped returns the resources that never ran, for any reason.
func (r *Report) Skipped() []ResourceID {
	return r.filter(func(res ResourceResult) bool { return res.Status == StatusSkipped })
}

// SkippedByGuard returns the resources suppressed by a guard.
func (r *Report) SkippedByGuard() []ResourceID {
	return r.filter(func(res ResourceResult) bool {
		return res.Status == StatusSkipped && res.SkipReason == SkipReasonGuard
	})
}

// Failed returns the resources that failed, best-effort ones included.
func (r *Report) Failed() []ResourceID {
	return r.filter(func(res ResourceResult) bool { return res.Status == StatusFailed })
}

// Summary counts resources by status.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Resources), Executions: len(r.Executions)}
	for _, res := range r.Resources {
		switch res.Status {
		case StatusChanged:
			s.Changed++
		case StatusUnchanged:
			s.Unchanged++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func (r *Report) filter(keep func(ResourceResult) bool) []ResourceID {
	var ids []ResourceID
	for _, res := range r.Resources {
		if keep(res) {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

// aggregate folds an execution into a resource result.
func aggregate(res *ResourceResult, e Execution) {
	if res.Status == "" || e.Status.rank() > res.Status.rank() {
		res.Status = e.Status
		res.SkipReason = e.SkipReason
	}
	if res.Status != StatusSkipped {
		res.SkipReason = ""
	}
	if e.Status == StatusFailed {
		res.Error = e.Error
	}
}
