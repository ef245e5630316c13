// Package fetcher issues the HTTP requests made by every connector. It makes
// exactly one attempt per call and classifies the outcome; pacing and
// retries belong to the caller's resilience.Controller.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Fetcher performs single HTTP requests.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*Response, error)
	Post(ctx context.Context, rawURL string, header http.Header, body []byte) (*Response, error)
}

// Response is a fully read HTTP response.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}
