package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/resilience"
)

const defaultMaxBodyBytes = 10 << 20

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Client       *http.Client
}

// StatusError is a non-retryable HTTP status such as 404.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// IsGone reports whether err is a 4xx StatusError about the requested
// resource itself. 401 and 403 are not included.
func IsGone(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

// HTTPFetcher implements Fetcher using net/http.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	nowFunc func() time.Time
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "registry-cli/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPFetcher{client: client, opts: opts, nowFunc: time.Now}
}

// Get issues one GET request. Network failures, transient statuses and
// truncated bodies come back as *resilience.TransientFetchError; other
// non-2xx statuses as *StatusError.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return f.do(ctx, http.MethodGet, rawURL, header, nil)
}

// Post issues one POST request with body. Errors are classified as for Get.
func (f *HTTPFetcher) Post(ctx context.Context, rawURL string, header http.Header, body []byte) (*Response, error) {
	return f.do(ctx, http.MethodPost, rawURL, header, body)
}

func (f *HTTPFetcher) do(ctx context.Context, method, rawURL string, header http.Header, payload []byte) (*Response, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resilience.IsTransient(err) {
			return nil, &resilience.TransientFetchError{Err: err, URL: rawURL}
		}
		return nil, eris.Wrapf(err, "fetcher: %s %s", method, rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		zap.L().Debug("transient http status",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &resilience.TransientFetchError{
			Err:        eris.Errorf("http %d from %s", resp.StatusCode, rawURL),
			StatusCode: resp.StatusCode,
			URL:        rawURL,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, &resilience.TransientFetchError{Err: eris.Wrap(err, "read body"), StatusCode: resp.StatusCode, URL: rawURL}
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, &resilience.TransientFetchError{
			Err:        eris.Errorf("body exceeds %d bytes", f.opts.MaxBodyBytes),
			StatusCode: resp.StatusCode,
			URL:        rawURL,
		}
	}

	return &Response{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   f.nowFunc().UTC(),
	}, nil
}
