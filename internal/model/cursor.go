package model

import "time"

// CrawlCursor is the persisted resumption point for one source. A nil
// Token with Exhausted false means the connector starts from its first page.
type CrawlCursor struct {
	Source              SourceID   `json:"source"`
	Token               string     `json:"token"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Exhausted           bool       `json:"exhausted"`
	RunID               string     `json:"run_id,omitempty"`
	LastBatch           string     `json:"last_batch,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// GapKind classifies why a page was skipped.
type GapKind string

const (
	GapTransient GapKind = "transient"
	GapParse     GapKind = "parse"
)

// GapMarker records a page that was skipped after its failures were
// exhausted, so the audit trail shows exactly what the run did not see.
type GapMarker struct {
	ID        int64     `json:"id,omitempty"`
	RunID     string    `json:"run_id"`
	Source    SourceID  `json:"source"`
	Token     string    `json:"token"`
	NextToken string    `json:"next_token,omitempty"`
	Kind      GapKind   `json:"kind"`
	Error     string    `json:"error"`
	Signature string    `json:"signature,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EnrichmentStatus is the per-registry-id outcome of an enrichment attempt.
type EnrichmentStatus string

const (
	EnrichmentFound    EnrichmentStatus = "found"
	EnrichmentNotFound EnrichmentStatus = "not_found"
	EnrichmentFailed   EnrichmentStatus = "failed"
)

// EnrichmentAttempt marks that a registry id was looked up during a run.
type EnrichmentAttempt struct {
	RegistryID  string           `json:"registry_id"`
	RunID       string           `json:"run_id"`
	Status      EnrichmentStatus `json:"status"`
	AttemptedAt time.Time        `json:"attempted_at"`
}
