// Package employers provides a client for the paginated employer directory
// REST API (hh.ru-compatible /employers endpoints).
package employers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/fetcher"
)

// Client defines the employer directory operations. Each call makes exactly
// one HTTP request; pacing and retries belong to the caller.
type Client interface {
	// List returns one page of employers matching q.
	List(ctx context.Context, q ListQuery) (*ListResponse, error)
	// Get returns the detail document of one employer.
	Get(ctx context.Context, id string) (*Employer, error)
}

// ListQuery selects a page of the directory. Exactly one of Industry or
// Text is normally set.
type ListQuery struct {
	Industry          string
	Text              string
	Area              string
	OnlyWithVacancies bool
	Page              int
	PerPage           int
}

// ListResponse is one page of the directory listing.
type ListResponse struct {
	Items   []EmployerSummary `json:"items"`
	Found   int               `json:"found"`
	Pages   int               `json:"pages"`
	Page    int               `json:"page"`
	PerPage int               `json:"per_page"`
}

// EmployerSummary is a listing entry.
type EmployerSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	AlternateURL  string `json:"alternate_url"`
	VacanciesURL  string `json:"vacancies_url"`
	OpenVacancies int    `json:"open_vacancies"`
}

// Employer is the detail document.
type Employer struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Description  string     `json:"description"`
	SiteURL      string     `json:"site_url"`
	AlternateURL string     `json:"alternate_url"`
	Area         *Area      `json:"area"`
	Industries   []Industry `json:"industries"`
}

// Area is a geographic area reference.
type Area struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Industry is an industry classification reference.
type Industry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IndustryNames returns the non-empty industry names of e.
func (e *Employer) IndustryNames() []string {
	out := make([]string, 0, len(e.Industries))
	for _, ind := range e.Industries {
		if ind.Name != "" {
			out = append(out, ind.Name)
		}
	}
	return out
}

// AreaName returns the area name or "".
func (e *Employer) AreaName() string {
	if e.Area == nil {
		return ""
	}
	return e.Area.Name
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithFetcher sets the transport used for requests.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(c *httpClient) {
		c.fetcher = f
	}
}

// WithUserAgent sets the HH-User-Agent header the API requires.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	fetcher   fetcher.Fetcher
}

// NewClient creates a new employer directory client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://api.hh.ru",
		userAgent: "registry-cli/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{UserAgent: c.userAgent})
	}
	return c
}

func (c *httpClient) header() http.Header {
	return http.Header{
		"Accept":        {"application/json"},
		"Hh-User-Agent": {c.userAgent},
	}
}

func (c *httpClient) List(ctx context.Context, q ListQuery) (*ListResponse, error) {
	params := url.Values{}
	if q.Industry != "" {
		params.Set("industry", q.Industry)
	}
	if q.Text != "" {
		params.Set("text", q.Text)
	}
	if q.Area != "" {
		params.Set("area", q.Area)
	}
	if q.OnlyWithVacancies {
		params.Set("only_with_vacancies", "true")
	}
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", strconv.Itoa(q.Page))

	resp, err := c.fetcher.Get(ctx, c.baseURL+"/employers?"+params.Encode(), c.header())
	if err != nil {
		return nil, eris.Wrap(err, "employers: list")
	}
	out, err := fetcher.DecodeJSONResponse[ListResponse](resp)
	if err != nil {
		return nil, eris.Wrap(err, "employers: decode list")
	}
	return out, nil
}

func (c *httpClient) Get(ctx context.Context, id string) (*Employer, error) {
	if id == "" {
		return nil, eris.New("employers: empty employer id")
	}
	resp, err := c.fetcher.Get(ctx, c.baseURL+"/employers/"+url.PathEscape(id), c.header())
	if err != nil {
		return nil, eris.Wrapf(err, "employers: get %s", id)
	}
	out, err := fetcher.DecodeJSONResponse[Employer](resp)
	if err != nil {
		return nil, eris.Wrapf(err, "employers: decode %s", id)
	}
	return out, nil
}
