package connector

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/fetcher"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
	"github.com/sells-group/registry-cli/pkg/employers"
)

// The directory serves at most this many results per query.
const apiResultDepth = 2000

// Segment is one slice of the employer directory walked page by page.
type Segment struct {
	Industry string
	Text     string
}

// ParseSegment reads "industry:<id>" or plain search text.
func ParseSegment(s string) Segment {
	s = strings.TrimSpace(s)
	if id, ok := strings.CutPrefix(s, "industry:"); ok {
		return Segment{Industry: strings.TrimSpace(id)}
	}
	return Segment{Text: s}
}

func (s Segment) String() string {
	if s.Industry != "" {
		return "industry:" + s.Industry
	}
	return s.Text
}

// APIConfig configures the directory connector.
type APIConfig struct {
	Segments []Segment
	Area     string
	PerPage  int
	// SkipDetails lists employers from the listing only.
	SkipDetails bool
}

// APIConnector walks the employer directory. Its cursor token is
// "<segment-index>/<page>" with zero-based pages.
type APIConnector struct {
	base
	client employers.Client
	cfg    APIConfig
}

// NewAPI creates the directory connector.
func NewAPI(client employers.Client, ctl *resilience.Controller, retry resilience.RetryConfig, cfg APIConfig) *APIConnector {
	if cfg.PerPage <= 0 {
		cfg.PerPage = 100
	}
	return &APIConnector{
		base:   newBase(model.SourceRegistryAPI, ctl, retry),
		client: client,
		cfg:    cfg,
	}
}

// Start returns the first page of the first segment.
func (c *APIConnector) Start() string { return formatToken("0", 0) }

func (c *APIConnector) parse(token string) (int, int, error) {
	key, page, err := parseToken(token)
	if err != nil {
		return 0, 0, err
	}
	seg, err := strconv.Atoi(key)
	if err != nil || seg < 0 {
		return 0, 0, eris.Errorf("connector: malformed segment in cursor token %q", token)
	}
	return seg, page, nil
}

// after returns the token following (seg, page) given the page count of
// the segment, or nil when every segment is done.
func (c *APIConnector) after(seg, page, pages int) *string {
	if page+1 < pages && (page+1)*c.cfg.PerPage < apiResultDepth {
		return ptr(formatToken(strconv.Itoa(seg), page+1))
	}
	if seg+1 < len(c.cfg.Segments) {
		return ptr(formatToken(strconv.Itoa(seg+1), 0))
	}
	return nil
}

// Skip moves past a failed page. The page count is unknown, so the
// following page is tried; an empty page ends the segment.
func (c *APIConnector) Skip(token string) (string, bool) {
	seg, page, err := c.parse(token)
	if err != nil || seg >= len(c.cfg.Segments) {
		return "", false
	}
	next := c.after(seg, page, apiResultDepth)
	if next == nil {
		return "", false
	}
	return *next, true
}

// FetchNextPage lists one directory page and fetches the detail document
// of every employer on it.
func (c *APIConnector) FetchNextPage(ctx context.Context, token string) (*Page, error) {
	seg, page, err := c.parse(token)
	if err != nil {
		return nil, err
	}
	if seg >= len(c.cfg.Segments) {
		return &Page{Token: token}, nil
	}
	segment := c.cfg.Segments[seg]

	resp, err := resilience.DoVal(ctx, c.ctl, c.retryFor("list"), func(ctx context.Context) (*employers.ListResponse, error) {
		return c.client.List(ctx, employers.ListQuery{
			Industry: segment.Industry,
			Text:     segment.Text,
			Area:     c.cfg.Area,
			Page:     page,
			PerPage:  c.cfg.PerPage,
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "registry_api: list %s page %d", segment, page)
	}

	out := &Page{Token: token}
	for _, item := range resp.Items {
		p, err := c.employer(ctx, segment, item)
		if IsUnavailable(err) || ctx.Err() != nil {
			if err == nil {
				err = ctx.Err()
			}
			return nil, err
		}
		if err != nil {
			out.RecordFailures = append(out.RecordFailures, err)
			zap.L().Warn("registry_api: employer detail skipped",
				zap.String("employer_id", item.ID),
				zap.Bool("gone", fetcher.IsGone(err)),
				zap.Error(err),
			)
		}
		out.Payloads = append(out.Payloads, p)
	}

	if len(resp.Items) == 0 {
		out.Next = c.after(seg, page, 0)
	} else {
		out.Next = c.after(seg, page, resp.Pages)
	}
	zap.L().Debug("registry_api: page fetched",
		zap.String("token", token),
		zap.Int("items", len(resp.Items)),
		zap.Int("record_failures", len(out.RecordFailures)),
	)
	return out, nil
}

// employer builds the payload of one listed employer. When the detail
// document cannot be fetched the payload degrades to the listing data and
// the error is returned alongside it.
func (c *APIConnector) employer(ctx context.Context, segment Segment, item employers.EmployerSummary) (model.EmployerPayload, error) {
	p := model.EmployerPayload{
		ID:           item.ID,
		Name:         item.Name,
		AlternateURL: item.AlternateURL,
		Segment:      segment.String(),
		FetchedAt:    c.nowFunc().UTC(),
	}
	if c.cfg.SkipDetails {
		return p, nil
	}

	detail, err := resilience.DoVal(ctx, c.ctl, c.recordRetry("detail"), func(ctx context.Context) (*employers.Employer, error) {
		return c.client.Get(ctx, item.ID)
	})
	if err != nil {
		return p, eris.Wrapf(err, "registry_api: employer %s", item.ID)
	}
	if detail.Name != "" {
		p.Name = detail.Name
	}
	p.Description = detail.Description
	p.Area = detail.AreaName()
	p.Industries = detail.IndustryNames()
	p.SiteURL = detail.SiteURL
	if detail.AlternateURL != "" {
		p.AlternateURL = detail.AlternateURL
	}
	p.FetchedAt = c.nowFunc().UTC()
	return p, nil
}
