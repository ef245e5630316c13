package model

import "time"

// RunStatus represents the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Finished reports whether the status is terminal for resumption purposes.
// Interrupted and failed runs are resumed by the next invocation.
func (s RunStatus) Finished() bool {
	return s == RunStatusComplete
}

// Run is one invocation of the pipeline.
type Run struct {
	ID         string     `json:"id"`
	Status     RunStatus  `json:"status"`
	Stats      RunStats   `json:"stats"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SourceStats counts what one source contributed during a run.
type SourceStats struct {
	Pages          int  `json:"pages"`
	Records        int  `json:"records"`
	RecordFailures int  `json:"record_failures"`
	Gaps           int  `json:"gaps"`
	CircuitTrips   int  `json:"circuit_trips"`
	Exhausted      bool `json:"exhausted"`
	BudgetReached  bool `json:"budget_reached"`
}

// RunStats aggregates per-source counters and merge outcomes.
type RunStats struct {
	Sources           map[SourceID]*SourceStats `json:"sources"`
	Merged            int                       `json:"merged"`
	Unresolved        int                       `json:"unresolved"`
	Promoted          int                       `json:"promoted"`
	Enriched          int                       `json:"enriched"`
	ValidationErrors  int                       `json:"validation_errors"`
	ConflictAnomalies int                       `json:"conflict_anomalies"`
	Admitted          int                       `json:"admitted"`
}

// NewRunStats returns stats with an entry for every source.
func NewRunStats() RunStats {
	s := RunStats{Sources: make(map[SourceID]*SourceStats, len(AllSources))}
	for _, src := range AllSources {
		s.Sources[src] = &SourceStats{}
	}
	return s
}
