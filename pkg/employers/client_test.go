package employers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/fetcher"
	"github.com/sells-group/registry-cli/internal/resilience"
)

func TestList_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/employers", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("industry"))
		assert.Equal(t, "113", r.URL.Query().Get("area"))
		assert.Equal(t, "true", r.URL.Query().Get("only_with_vacancies"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		assert.Equal(t, "test-agent", r.Header.Get("HH-User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"1455","name":"HeadHunter","alternate_url":"https://hh.ru/employer/1455"}],"found":250,"pages":3,"page":2,"per_page":100}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithUserAgent("test-agent"))
	resp, err := c.List(context.Background(), ListQuery{Industry: "7", Area: "113", OnlyWithVacancies: true, Page: 2})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "1455", resp.Items[0].ID)
	assert.Equal(t, 3, resp.Pages)
}

func TestList_TransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.List(context.Background(), ListQuery{Text: "SaaS"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestList_MalformedJSONIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.List(context.Background(), ListQuery{Text: "fintech"})
	var tfe *resilience.TransientFetchError
	require.True(t, errors.As(err, &tfe))
}

func TestGet_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/employers/1455", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id":"1455","name":"HeadHunter","description":"<p>Штат: 3 000 сотрудников</p>",
			"site_url":"https://hh.ru","area":{"id":"1","name":"Москва"},
			"industries":[{"id":"7.540","name":"Разработка ПО"},{"id":"7.541","name":""}]
		}`))
	}))
	defer srv.Close()

	e, err := NewClient(WithBaseURL(srv.URL)).Get(context.Background(), "1455")
	require.NoError(t, err)
	assert.Equal(t, "HeadHunter", e.Name)
	assert.Equal(t, "Москва", e.AreaName())
	assert.Equal(t, []string{"Разработка ПО"}, e.IndustryNames())
}

func TestGet_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).Get(context.Background(), "0")
	require.Error(t, err)
	assert.True(t, fetcher.IsNotFound(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestGet_EmptyID(t *testing.T) {
	_, err := NewClient().Get(context.Background(), "")
	require.Error(t, err)
}

func TestEmployer_NilArea(t *testing.T) {
	e := &Employer{}
	assert.Empty(t, e.AreaName())
	assert.Empty(t, e.IndustryNames())
}
