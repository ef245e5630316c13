// Package connector adapts each upstream source to a uniform page-oriented
// contract. Connectors own the request loop of their source; every request
// goes through the source's resilience.Controller.
package connector

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/fetcher"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
)

// Page is one fetched page of raw payloads.
type Page struct {
	Token    string
	Payloads []model.Payload
	// Next is the token of the following page; nil once the source is
	// exhausted.
	Next *string
	// RecordFailures are per-record errors that degraded or dropped a
	// record without failing the page.
	RecordFailures []error
}

// Exhausted reports whether no page follows this one.
func (p *Page) Exhausted() bool { return p.Next == nil }

// PageConnector walks a paginated source.
type PageConnector interface {
	Source() model.SourceID
	// Start is the token of the first page.
	Start() string
	// FetchNextPage fetches the page at token. A *resilience.SourceUnavailableError
	// is returned unchanged; any other error is a page-level failure.
	FetchNextPage(ctx context.Context, token string) (*Page, error)
	// Skip returns the token after token without fetching, used to move
	// past a page that could not be read. ok is false when nothing follows.
	Skip(token string) (next string, ok bool)
}

// NameResolver finds registry ids by organization name.
type NameResolver interface {
	Source() model.SourceID
	// Resolve finds the registry id of an organization by name, optionally
	// restricted to a locality. It returns "" when no confident match exists.
	Resolve(ctx context.Context, name, locality string) (string, error)
}

// EnrichmentConnector looks organizations up by registry id.
type EnrichmentConnector interface {
	NameResolver
	// LookupBatch returns payloads for the ids the service knows. Ids
	// missing from the map were not found. A partial failure comes back as
	// a *LookupError next to the ids that did succeed.
	LookupBatch(ctx context.Context, ids []string) (map[string]model.Payload, error)
}

// LookupError reports the ids of a batch that could not be looked up.
type LookupError struct {
	Failed map[string]error
	// Skipped ids were never attempted because Cause stopped the batch.
	Skipped []string
	Cause   error
}

func (e *LookupError) Error() string {
	msg := strconv.Itoa(len(e.Failed)) + " lookups failed"
	if len(e.Skipped) > 0 {
		msg += ", " + strconv.Itoa(len(e.Skipped)) + " skipped"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LookupError) Unwrap() error { return e.Cause }

// base carries what every connector shares.
type base struct {
	source  model.SourceID
	ctl     *resilience.Controller
	retry   resilience.RetryConfig
	nowFunc func() time.Time
}

func newBase(source model.SourceID, ctl *resilience.Controller, retry resilience.RetryConfig) base {
	if ctl == nil {
		ctl = resilience.NewController(resilience.DefaultControllerConfig(source))
	}
	return base{source: source, ctl: ctl, retry: retry, nowFunc: time.Now}
}

func (b base) Source() model.SourceID { return b.source }

func (b base) retryFor(operation string) resilience.RetryConfig {
	cfg := b.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(string(b.source), operation)
	}
	return cfg
}

// recordRetry is the policy for fetching one record's own document. A
// record that is gone or no longer parses is neither retried nor counted
// against the source's circuit.
func (b base) recordRetry(operation string) resilience.RetryConfig {
	cfg := b.retryFor(operation)
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = resilience.IsTransient
	}
	cfg.ShouldRetry = func(err error) bool { return !isRecordMiss(err) && shouldRetry(err) }
	cfg.CountsAsFailure = func(err error) bool { return !isRecordMiss(err) }
	return cfg
}

func isRecordMiss(err error) bool {
	return fetcher.IsGone(err) || resilience.IsParseError(err)
}

// IsUnavailable reports whether err means the source's circuit is open.
func IsUnavailable(err error) bool {
	return errors.Is(err, resilience.ErrSourceUnavailable)
}

// formatToken renders a "<key>/<page>" cursor token.
func formatToken(key string, page int) string {
	return key + "/" + strconv.Itoa(page)
}

// parseToken splits a "<key>/<page>" cursor token. The key may itself
// contain slashes; the page is the last element.
func parseToken(token string) (string, int, error) {
	i := strings.LastIndex(token, "/")
	if i <= 0 {
		return "", 0, eris.Errorf("connector: malformed cursor token %q", token)
	}
	page, err := strconv.Atoi(token[i+1:])
	if err != nil || page < 0 {
		return "", 0, eris.Errorf("connector: malformed page in cursor token %q", token)
	}
	return token[:i], page, nil
}

func ptr(s string) *string { return &s }
