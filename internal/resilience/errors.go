package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/model"
)

// TransientFetchError wraps a fetch failure that is safe to retry (429, 5xx,
// network timeout, malformed page body).
type TransientFetchError struct {
	Err        error
	StatusCode int
	URL        string
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error (status %d): %v", e.StatusCode, e.Err)
	}
	return "transient fetch error: " + e.Err.Error()
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientFetchError {
	return &TransientFetchError{Err: err, StatusCode: statusCode}
}

// ErrSourceUnavailable is matched by every SourceUnavailableError.
var ErrSourceUnavailable = eris.New("source unavailable")

// SourceUnavailableError is returned by Acquire while a source's circuit is
// open. RetryAt is the earliest time a trial permit will be issued.
type SourceUnavailableError struct {
	Source  model.SourceID
	RetryAt time.Time
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable until %s", e.Source, e.RetryAt.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrSourceUnavailable) match.
func (e *SourceUnavailableError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

// ParseError signals that a document no longer matches the expected
// structure. It is never retried.
type ParseError struct {
	URL       string
	Anchor    string
	Signature string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: anchor %q not found (signature %s)", e.URL, e.Anchor, e.Signature)
}

// ValidationError marks a field that failed normalization and was cleared.
type ValidationError struct {
	Field  model.FieldKey
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// MergeConflictAnomaly describes two equal-weight sources disagreeing on a
// field. It is logged, never returned as a failure.
type MergeConflictAnomaly struct {
	Key      string
	Field    model.FieldKey
	Existing string
	Incoming string
	Source   model.SourceID
}

func (e *MergeConflictAnomaly) Error() string {
	return fmt.Sprintf("merge conflict on %s.%s: kept %q, rejected %q from %s", e.Key, e.Field, e.Existing, e.Incoming, e.Source)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientFetchError, or if it matches common transient network patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientFetchError
	if errors.As(err, &te) {
		return true
	}

	// Parse drift and open circuits are never retried in place.
	var pe *ParseError
	if errors.As(err, &pe) || errors.Is(err, ErrSourceUnavailable) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// IsParseError reports whether err wraps a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ClassifyGap maps a page-level failure onto the gap kind recorded for it.
func ClassifyGap(err error) model.GapKind {
	if IsParseError(err) {
		return model.GapParse
	}
	return model.GapTransient
}

// Signature returns the drift signature carried by a ParseError, or "".
func Signature(err error) string {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Signature
	}
	return ""
}
