package stores

import (
	"time"

	"github.com/openfroyo/galley/pkg/engine"
)

// Run is the persisted header of a convergence run.
type Run struct {
	ID          string           `json:"id"`
	Status      engine.RunStatus `json:"status"`
	DryRun      bool             `json:"dry_run"`
	User        string           `json:"user,omitempty"`
	RunList     []string         `json:"run_list,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Summary     engine.Summary   `json:"summary"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// EventFilter narrows an event query.
type EventFilter struct {
	// Severity keeps only events of this severity when set.
	Severity string

	// Resource keeps only events for this resource when set.
	Resource string

	// Limit caps the number of events returned. Zero means no limit.
	Limit int
}

// ListOptions pages through runs, newest first.
type ListOptions struct {
	Limit  int
	Offset int
}
