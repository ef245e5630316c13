package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/registry-cli/internal/fetcher"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
)

const listingPage1 = `<html><body><div class="org_list">
<p class="org"><a href="/company/1">ООО "Ромашка Софт"</a></p>
<p class="org"><a href="/company/2">АО "Дрейф"</a></p>
</div><div class="pagination"><a href="/okved/62.01/2">2</a></div></body></html>`

const listingLast = `<html><body><div class="org_list">
<p class="org"><a href="/company/1">ООО "Ромашка Софт"</a></p>
</div></body></html>`

const orgPage = `<html><head><meta charset="windows-1251"></head><body>
<h1>ООО "Ромашка Софт"</h1>
<table class="tt">
<tr><td>ИНН:</td><td>7736207543</td></tr>
<tr><td>Основной ОКВЭД:</td><td>62.01 Разработка программного обеспечения</td></tr>
<tr><td>Численность сотрудников:</td><td>от 100</td></tr>
<tr><td>Юридический адрес:</td><td>119021, г. Москва, ул. Льва Толстого, д. 16</td></tr>
</table></body></html>`

type siteServer struct {
	*httptest.Server
	listingHits atomic.Int32
}

func newSiteServer(t *testing.T, listing string) *siteServer {
	t.Helper()
	s := &siteServer{}
	cp1251, err := charmap.Windows1251.NewEncoder().String(orgPage)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/okved/", func(w http.ResponseWriter, _ *http.Request) {
		s.listingHits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listing))
	})
	mux.HandleFunc("/company/1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(cp1251))
	})
	mux.HandleFunc("/company/2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="card">redesigned</div></body></html>`))
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestScrape(baseURL string, codes ...string) *ScrapeConnector {
	return NewScrape(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), testController(model.SourceScrapeSite, 5),
		resilience.RetryConfig{MaxAttempts: 2}, ScrapeConfig{BaseURL: baseURL, ActivityCodes: codes})
}

func TestScrape_FetchPage(t *testing.T) {
	srv := newSiteServer(t, listingPage1)
	c := newTestScrape(srv.URL, "62.01")

	assert.Equal(t, "62.01/1", c.Start())
	page, err := c.FetchNextPage(context.Background(), c.Start())
	require.NoError(t, err)

	require.Len(t, page.Payloads, 1)
	p := page.Payloads[0].(model.RegistryPagePayload)
	assert.Equal(t, `ООО "Ромашка Софт"`, p.Title)
	assert.Equal(t, "7736207543", p.INN)
	assert.Equal(t, "от 100", p.Employees)
	assert.Equal(t, srv.URL+"/company/1", p.URL)

	// The redesigned organization page drops one record, not the page.
	require.Len(t, page.RecordFailures, 1)
	assert.True(t, resilience.IsParseError(page.RecordFailures[0]))
	assert.Equal(t, 0, c.ctl.Snapshot().ConsecutiveFailures)

	require.NotNil(t, page.Next)
	assert.Equal(t, "62.01/2", *page.Next)
}

func TestScrape_LastPageMovesToNextCode(t *testing.T) {
	srv := newSiteServer(t, listingLast)
	c := newTestScrape(srv.URL, "62.01", "63.11")

	page, err := c.FetchNextPage(context.Background(), "62.01/3")
	require.NoError(t, err)
	require.NotNil(t, page.Next)
	assert.Equal(t, "63.11/1", *page.Next)

	page, err = c.FetchNextPage(context.Background(), "63.11/1")
	require.NoError(t, err)
	assert.True(t, page.Exhausted())
}

func TestScrape_ListingDriftFailsPage(t *testing.T) {
	srv := newSiteServer(t, `<html><body><ul class="companies"></ul></body></html>`)
	c := newTestScrape(srv.URL, "62.01")

	_, err := c.FetchNextPage(context.Background(), "62.01/1")
	require.Error(t, err)
	assert.True(t, resilience.IsParseError(err))
	assert.NotEmpty(t, resilience.Signature(err))
	// Not retried, but reported to the controller.
	assert.Equal(t, int32(1), srv.listingHits.Load())
	assert.Equal(t, 1, c.ctl.Snapshot().ConsecutiveFailures)

	next, ok := c.Skip("62.01/1")
	require.True(t, ok)
	assert.Equal(t, "62.01/2", next)
}

func TestScrape_UnknownCode(t *testing.T) {
	c := newTestScrape("http://unused.test", "62.01")
	_, err := c.FetchNextPage(context.Background(), "99.99/1")
	assert.Error(t, err)
	_, ok := c.Skip("99.99/1")
	assert.False(t, ok)
}

func TestScrape_NoCodes(t *testing.T) {
	c := newTestScrape("http://unused.test")
	assert.Empty(t, c.Start())
	page, err := c.FetchNextPage(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, page.Exhausted())
}

func TestScrape_GoneOrganizationsKeepCircuitClosed(t *testing.T) {
	var orgHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/okved/62.01", func(w http.ResponseWriter, _ *http.Request) {
		var b strings.Builder
		b.WriteString(`<html><body><div class="org_list">`)
		for i := range 7 {
			fmt.Fprintf(&b, `<p class="org"><a href="/company/gone/%d">Org %d</a></p>`, i, i)
		}
		b.WriteString(`</div></body></html>`)
		_, _ = w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/company/gone/", func(w http.ResponseWriter, _ *http.Request) {
		orgHits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestScrape(srv.URL, "62.01")
	page, err := c.FetchNextPage(context.Background(), "62.01/1")
	require.NoError(t, err)
	assert.Empty(t, page.Payloads)
	require.Len(t, page.RecordFailures, 7)
	assert.True(t, fetcher.IsNotFound(page.RecordFailures[0]))
	assert.Equal(t, int32(7), orgHits.Load())

	state := c.ctl.Snapshot()
	assert.Equal(t, resilience.CircuitClosed, state.Circuit)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Equal(t, 0, state.Trips)
}

func TestScrape_MissingListingPageEndsCode(t *testing.T) {
	var missing atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/okved/62.01/4", func(w http.ResponseWriter, r *http.Request) {
		missing.Add(1)
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestScrape(srv.URL, "62.01", "63.11")
	page, err := c.FetchNextPage(context.Background(), "62.01/4")
	require.NoError(t, err)
	assert.Empty(t, page.Payloads)
	require.NotNil(t, page.Next)
	assert.Equal(t, "63.11/1", *page.Next)
	assert.Equal(t, int32(1), missing.Load())
	assert.Equal(t, 0, c.ctl.Snapshot().ConsecutiveFailures)

	page, err = c.FetchNextPage(context.Background(), "63.11/7")
	require.NoError(t, err)
	assert.True(t, page.Exhausted())
}

func newSearchServer(t *testing.T) *httptest.Server {
	t.Helper()
	cp1251, err := charmap.Windows1251.NewEncoder().String(orgPage)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("type"))
		switch r.URL.Query().Get("val") {
		case "Ромашка Софт":
			_, _ = w.Write([]byte(`<html><body><div class="org_list">
<p class="org"><a href="/company/9">ООО "Ромашка"</a></p>
<p class="org"><a href="/company/1">ООО "Ромашка Софт"</a></p>
</div></body></html>`))
		case "Дрейф":
			_, _ = w.Write([]byte(`<div class="org_list"><p class="org"><a href="/company/gone">АО "Дрейф"</a></p></div>`))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/company/1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(cp1251))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestScrape_Resolve(t *testing.T) {
	srv := newSearchServer(t)
	c := newTestScrape(srv.URL, "62.01")
	ctx := context.Background()

	id, err := c.Resolve(ctx, `ООО "Ромашка Софт"`, "Москва")
	require.NoError(t, err)
	assert.Equal(t, "7736207543", id)

	id, err = c.Resolve(ctx, "Ромашка Софт", "Казань")
	require.NoError(t, err)
	assert.Empty(t, id)

	// The only match is gone; the search itself is a miss, not an error.
	id, err = c.Resolve(ctx, "Дрейф", "")
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = c.Resolve(ctx, "Неизвестная организация", "")
	require.NoError(t, err)
	assert.Empty(t, id)

	assert.Equal(t, resilience.CircuitClosed, c.ctl.Snapshot().Circuit)
	assert.Equal(t, 0, c.ctl.Snapshot().ConsecutiveFailures)
}
