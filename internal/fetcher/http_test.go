package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
	})
}

func TestGet_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Get(context.Background(), srv.URL+"/data", http.Header{"Authorization": {"secret"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(resp.Body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.False(t, resp.FetchedAt.IsZero())
}

func TestGet_TransientStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))

		_, err := newTestFetcher().Get(context.Background(), srv.URL, nil)
		srv.Close()

		require.Error(t, err)
		var te *resilience.TransientFetchError
		require.True(t, errors.As(err, &te), "status %d", code)
		assert.Equal(t, code, te.StatusCode)
	}
}

func TestGet_NotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestGet_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Timeout: 20 * time.Millisecond})
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGet_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher().Get(ctx, srv.URL, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGet_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 4}).Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	resp, err := NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 10}).Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(resp.Body))
}

func TestIsGone(t *testing.T) {
	assert.True(t, IsGone(&StatusError{StatusCode: http.StatusNotFound}))
	assert.True(t, IsGone(&StatusError{StatusCode: http.StatusGone}))
	assert.True(t, IsGone(&StatusError{StatusCode: http.StatusBadRequest}))
	assert.False(t, IsGone(&StatusError{StatusCode: http.StatusForbidden}))
	assert.False(t, IsGone(&StatusError{StatusCode: http.StatusUnauthorized}))
	assert.False(t, IsGone(&StatusError{StatusCode: http.StatusNotImplemented}))
	assert.False(t, IsGone(errors.New("boom")))
}

func TestPost_SendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"query":"7707083893"}`, string(body))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Post(context.Background(), srv.URL,
		http.Header{"Content-Type": {"application/json"}}, []byte(`{"query":"7707083893"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestPost_TransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Post(context.Background(), srv.URL, nil, []byte(`{}`))
	var tfe *resilience.TransientFetchError
	require.ErrorAs(t, err, &tfe)
	assert.Equal(t, http.StatusTooManyRequests, tfe.StatusCode)
}
