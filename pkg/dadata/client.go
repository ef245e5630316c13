// Package dadata provides a client for the party suggestion API used to
// enrich organizations by registry id (dadata.ru-compatible).
package dadata

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/fetcher"
)

// DefaultBaseURL is the production suggestions endpoint root.
const DefaultBaseURL = "https://suggestions.dadata.ru/suggestions/api/4_1/rs"

// Client defines the lookup operations. Each call makes exactly one HTTP
// request.
type Client interface {
	// FindByID returns the party registered under a registry id (INN), or
	// nil when the service knows none.
	FindByID(ctx context.Context, registryID string) (*Party, error)
	// Suggest returns up to count parties matching a free-text query.
	Suggest(ctx context.Context, req SuggestRequest) ([]Party, error)
}

// SuggestRequest is a free-text party search.
type SuggestRequest struct {
	Query string
	Count int
	// City restricts results to one city when set.
	City string
}

// Party is one suggestion.
type Party struct {
	Value string    `json:"value"`
	Data  PartyData `json:"data"`
}

// PartyData is the structured part of a suggestion.
type PartyData struct {
	INN           string      `json:"inn"`
	OGRN          string      `json:"ogrn"`
	Okved         string      `json:"okved"`
	EmployeeCount json.Number `json:"employee_count"`
	Name          PartyName   `json:"name"`
	Address       *Address    `json:"address"`
	State         *State      `json:"state"`
	Management    *Management `json:"management"`
}

// PartyName holds the name variants.
type PartyName struct {
	FullWithOPF  string `json:"full_with_opf"`
	ShortWithOPF string `json:"short_with_opf"`
	Full         string `json:"full"`
	Short        string `json:"short"`
}

// Address is the registered address.
type Address struct {
	Value string       `json:"value"`
	Data  *AddressData `json:"data"`
}

// AddressData holds the parsed address parts.
type AddressData struct {
	RegionWithType string `json:"region_with_type"`
	City           string `json:"city"`
}

// State is the registration state.
type State struct {
	Status string `json:"status"`
}

// Management is the head of the organization.
type Management struct {
	Name string `json:"name"`
	Post string `json:"post"`
}

// Region returns the region name or "".
func (d PartyData) Region() string {
	if d.Address == nil || d.Address.Data == nil {
		return ""
	}
	return d.Address.Data.RegionWithType
}

// City returns the city name or "".
func (d PartyData) City() string {
	if d.Address == nil || d.Address.Data == nil {
		return ""
	}
	return d.Address.Data.City
}

// AddressValue returns the full address or "".
func (d PartyData) AddressValue() string {
	if d.Address == nil {
		return ""
	}
	return d.Address.Value
}

// Status returns the registration status or "".
func (d PartyData) Status() string {
	if d.State == nil {
		return ""
	}
	return d.State.Status
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

// WithAPIKey sets the API token.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	fetcher fetcher.Fetcher
}

// NewClient creates a new lookup client.
func NewClient(opts ...Option) Client {
	c := &httpClient{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	}
	return c
}

type query struct {
	Query     string     `json:"query"`
	Count     int        `json:"count"`
	Locations []location `json:"locations,omitempty"`
}

type location struct {
	City string `json:"city"`
}

type suggestions struct {
	Suggestions []Party `json:"suggestions"`
}

func (c *httpClient) post(ctx context.Context, path string, q query) ([]Party, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, eris.Wrap(err, "dadata: marshal query")
	}
	header := http.Header{
		"Accept":       {"application/json"},
		"Content-Type": {"application/json"},
	}
	if c.apiKey != "" {
		header.Set("Authorization", "Token "+c.apiKey)
	}
	resp, err := c.fetcher.Post(ctx, c.baseURL+path, header, body)
	if err != nil {
		return nil, eris.Wrapf(err, "dadata: post %s", path)
	}
	out, err := fetcher.DecodeJSONResponse[suggestions](resp)
	if err != nil {
		return nil, eris.Wrapf(err, "dadata: decode %s", path)
	}
	return out.Suggestions, nil
}

func (c *httpClient) FindByID(ctx context.Context, registryID string) (*Party, error) {
	if registryID == "" {
		return nil, eris.New("dadata: empty registry id")
	}
	parties, err := c.post(ctx, "/findById/party", query{Query: registryID, Count: 1})
	if err != nil {
		return nil, err
	}
	for i := range parties {
		if parties[i].Data.INN == registryID {
			return &parties[i], nil
		}
	}
	return nil, nil
}

func (c *httpClient) Suggest(ctx context.Context, req SuggestRequest) ([]Party, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, eris.New("dadata: empty query")
	}
	q := query{Query: req.Query, Count: req.Count}
	if q.Count <= 0 {
		q.Count = 1
	}
	if req.City != "" {
		q.Locations = []location{{City: req.City}}
	}
	return c.post(ctx, "/suggest/party", q)
}
