package connector

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/fetcher"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/resilience"
	"github.com/sells-group/registry-cli/pkg/registrysite"
)

// ScrapeConfig configures the registry site connector.
type ScrapeConfig struct {
	BaseURL       string
	ActivityCodes []string
	// MaxPagesPerCode bounds how far Skip walks past unreadable listing pages.
	MaxPagesPerCode int
	// SearchCandidates is how many name-matching search results Resolve
	// opens. Default: 3.
	SearchCandidates int
}

// ScrapeConnector walks the activity-code listings of the registry site
// and parses every organization page linked from them. Its cursor token is
// "<activity-code>/<page>" with one-based pages.
type ScrapeConnector struct {
	base
	fetcher fetcher.Fetcher
	cfg     ScrapeConfig
}

// NewScrape creates the registry site connector.
func NewScrape(f fetcher.Fetcher, ctl *resilience.Controller, retry resilience.RetryConfig, cfg ScrapeConfig) *ScrapeConnector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = registrysite.DefaultBaseURL
	}
	if cfg.MaxPagesPerCode <= 0 {
		cfg.MaxPagesPerCode = 500
	}
	if cfg.SearchCandidates <= 0 {
		cfg.SearchCandidates = 3
	}
	return &ScrapeConnector{
		base:    newBase(model.SourceScrapeSite, ctl, retry),
		fetcher: f,
		cfg:     cfg,
	}
}

// Start returns the first listing page of the first activity code.
func (c *ScrapeConnector) Start() string {
	if len(c.cfg.ActivityCodes) == 0 {
		return ""
	}
	return formatToken(c.cfg.ActivityCodes[0], 1)
}

func (c *ScrapeConnector) parse(token string) (int, int, error) {
	code, page, err := parseToken(token)
	if err != nil {
		return 0, 0, err
	}
	idx := slices.Index(c.cfg.ActivityCodes, code)
	if idx < 0 {
		return 0, 0, eris.Errorf("scrape_site: activity code %q is not configured", code)
	}
	if page < 1 {
		page = 1
	}
	return idx, page, nil
}

func (c *ScrapeConnector) after(idx, page int, hasNext bool) *string {
	if hasNext && page < c.cfg.MaxPagesPerCode {
		return ptr(formatToken(c.cfg.ActivityCodes[idx], page+1))
	}
	if idx+1 < len(c.cfg.ActivityCodes) {
		return ptr(formatToken(c.cfg.ActivityCodes[idx+1], 1))
	}
	return nil
}

// Skip moves past an unreadable listing page to the next page of the same
// code.
func (c *ScrapeConnector) Skip(token string) (string, bool) {
	idx, page, err := c.parse(token)
	if err != nil {
		return "", false
	}
	next := c.after(idx, page, true)
	if next == nil {
		return "", false
	}
	return *next, true
}

// FetchNextPage reads one listing page, then every organization page it
// links to. A listing that no longer matches the expected layout fails the
// page with a *resilience.ParseError; an organization page that fails
// only drops that record.
func (c *ScrapeConnector) FetchNextPage(ctx context.Context, token string) (*Page, error) {
	if token == "" {
		return &Page{}, nil
	}
	idx, page, err := c.parse(token)
	if err != nil {
		return nil, err
	}
	code := c.cfg.ActivityCodes[idx]
	listingURL := registrysite.ListingURL(c.cfg.BaseURL, code, page)

	retry := c.retryFor("listing")
	retry.CountsAsFailure = func(err error) bool { return !fetcher.IsNotFound(err) }
	listing, err := resilience.DoVal(ctx, c.ctl, retry, func(ctx context.Context) (*registrysite.Listing, error) {
		resp, err := c.fetcher.Get(ctx, listingURL, nil)
		if err != nil {
			return nil, err
		}
		body, err := fetcher.UTF8Reader(resp)
		if err != nil {
			return nil, err
		}
		return registrysite.ParseListing(listingURL, body, page)
	})
	if fetcher.IsNotFound(err) {
		// Past the last page of this code.
		zap.L().Debug("scrape_site: listing not found, moving to next code",
			zap.String("url", listingURL),
		)
		return &Page{Token: token, Next: c.after(idx, page, false)}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "scrape_site: listing %s", listingURL)
	}

	out := &Page{Token: token}
	for _, link := range listing.Links {
		p, err := c.organization(ctx, link)
		if IsUnavailable(err) || ctx.Err() != nil {
			if err == nil {
				err = ctx.Err()
			}
			return nil, err
		}
		if err != nil {
			out.RecordFailures = append(out.RecordFailures, err)
			zap.L().Warn("scrape_site: organization skipped",
				zap.String("url", link.URL),
				zap.String("signature", resilience.Signature(err)),
				zap.Error(err),
			)
			continue
		}
		out.Payloads = append(out.Payloads, p)
	}
	out.Next = c.after(idx, page, listing.HasNext)
	return out, nil
}

func (c *ScrapeConnector) organization(ctx context.Context, link registrysite.OrgLink) (model.RegistryPagePayload, error) {
	org, err := c.fetchOrganization(ctx, link.URL)
	if err != nil {
		return model.RegistryPagePayload{}, err
	}

	title := org.Title
	if title == "" {
		title = link.Name
	}
	return model.RegistryPagePayload{
		URL:          link.URL,
		Title:        title,
		INN:          org.INN,
		OGRN:         org.OGRN,
		ActivityCode: org.Okved,
		Employees:    org.Employees,
		Revenue:      org.Revenue,
		Address:      org.Address,
		Status:       org.Status,
		Extra:        org.Extra,
		FetchedAt:    c.nowFunc().UTC(),
	}, nil
}

func (c *ScrapeConnector) fetchOrganization(ctx context.Context, pageURL string) (*registrysite.Organization, error) {
	org, err := resilience.DoVal(ctx, c.ctl, c.recordRetry("organization"), func(ctx context.Context) (*registrysite.Organization, error) {
		resp, err := c.fetcher.Get(ctx, pageURL, nil)
		if err != nil {
			return nil, err
		}
		body, err := fetcher.UTF8Reader(resp)
		if err != nil {
			return nil, err
		}
		return registrysite.ParseOrganization(pageURL, body)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "scrape_site: organization %s", pageURL)
	}
	return org, nil
}

// Resolve searches the site by name. The first result whose name matches
// after normalization, whose organization page carries a valid registry
// id and whose address, when both are known, lies in locality wins.
func (c *ScrapeConnector) Resolve(ctx context.Context, name, locality string) (string, error) {
	want := normalize.MatchName(name)
	query := registrysite.SearchQuery(name)
	if want == "" || query == "" {
		return "", nil
	}
	searchURL := registrysite.SearchURL(c.cfg.BaseURL, query)

	retry := c.retryFor("search")
	retry.CountsAsFailure = func(err error) bool { return !fetcher.IsNotFound(err) }
	links, err := resilience.DoVal(ctx, c.ctl, retry, func(ctx context.Context) ([]registrysite.OrgLink, error) {
		resp, err := c.fetcher.Get(ctx, searchURL, nil)
		if err != nil {
			return nil, err
		}
		body, err := fetcher.UTF8Reader(resp)
		if err != nil {
			return nil, err
		}
		return registrysite.ParseSearch(searchURL, body)
	})
	if fetcher.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "scrape_site: search %q", name)
	}

	wantLocality := normalize.Locality(locality)
	checked := 0
	for _, link := range links {
		if checked >= c.cfg.SearchCandidates {
			break
		}
		if normalize.MatchName(link.Name) != want {
			continue
		}
		checked++
		org, err := c.fetchOrganization(ctx, link.URL)
		if err != nil {
			if isRecordMiss(err) {
				continue
			}
			return "", err
		}
		id, err := normalize.RegistryID(org.INN)
		if err != nil || id == "" {
			continue
		}
		if wantLocality != "" {
			if city := normalize.LocalityFromAddress(org.Address); city != "" && normalize.Locality(city) != wantLocality {
				continue
			}
		}
		return id, nil
	}
	return "", nil
}
