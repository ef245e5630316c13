// Package registrysite parses listing and organization pages of the public
// business-registry site (list-org.com layout).
package registrysite

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/resilience"
)

// DefaultBaseURL is the production site.
const DefaultBaseURL = "https://www.list-org.com"

// Anchors the parser depends on. A page missing one of them has drifted.
const (
	AnchorOrgList  = "div.org_list"
	AnchorOrgLinks = "div.org_list p.org a"
	AnchorInfo     = "table.tt"
	anchorPager    = "div.pagination a"
)

// OrgLink is one organization on a listing page.
type OrgLink struct {
	Name string
	URL  string
}

// Listing is a parsed activity-code listing page.
type Listing struct {
	Page    int
	Links   []OrgLink
	HasNext bool
}

// Organization is the parsed information table of an organization page.
// Values are the raw cell texts.
type Organization struct {
	URL       string
	Title     string
	INN       string
	OGRN      string
	Okved     string
	Employees string
	Revenue   string
	Address   string
	Status    string
	Extra     map[string]string
}

var (
	innRe  = regexp.MustCompile(`\d{10,12}`)
	ogrnRe = regexp.MustCompile(`\d{13,15}`)
)

// ListingURL returns the URL of page (1-based) of the listing for an
// activity code.
func ListingURL(baseURL, code string, page int) string {
	u := strings.TrimRight(baseURL, "/") + "/okved/" + url.PathEscape(code)
	if page > 1 {
		u += "/" + strconv.Itoa(page)
	}
	return u
}

// BodySignature fingerprints a page body for parse-drift reports.
func BodySignature(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

func parseError(pageURL, anchor string, body []byte) error {
	return &resilience.ParseError{URL: pageURL, Anchor: anchor, Signature: BodySignature(body)}
}

func load(r io.Reader) ([]byte, *goquery.Document, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, eris.Wrap(err, "registrysite: read body")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, eris.Wrap(err, "registrysite: parse html")
	}
	return body, doc, nil
}

// ParseListing extracts organization links from a listing page. A page
// without the organization list container is a *resilience.ParseError; a
// container with no links is an empty final page.
func ParseListing(pageURL string, r io.Reader, page int) (*Listing, error) {
	body, doc, err := load(r)
	if err != nil {
		return nil, err
	}
	if doc.Find(AnchorOrgList).Length() == 0 {
		return nil, missing(pageURL, AnchorOrgList, body, doc)
	}

	out := &Listing{Page: page, Links: orgLinks(pageURL, doc)}

	next := strconv.Itoa(page + 1)
	doc.Find(anchorPager).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.TrimSpace(a.Text())
		if strings.Contains(text, ">") || strings.Contains(text, "»") || text == next {
			out.HasNext = true
			return false
		}
		return true
	})
	if len(out.Links) == 0 {
		out.HasNext = false
	}
	return out, nil
}

// SearchURL returns the URL of the organization search for query.
func SearchURL(baseURL, query string) string {
	return strings.TrimRight(baseURL, "/") + "/search?" + url.Values{"type": {"all"}, "val": {query}}.Encode()
}

var (
	searchQuoteRe = regexp.MustCompile(`[«»"'()]`)
	searchFormRe  = regexp.MustCompile(`(?i)(^|\s)(ООО|ОАО|ЗАО|ПАО|АО)(\s|$)`)
)

// SearchQuery prepares an organization name for the site search: quotes
// and short legal forms are dropped.
func SearchQuery(name string) string {
	q := searchQuoteRe.ReplaceAllString(name, " ")
	q = searchFormRe.ReplaceAllString(q, " ")
	return collapse(q)
}

// ParseSearch extracts the organization links of a search result page in
// result order. A page without the result container is a
// *resilience.ParseError; an empty container means nothing matched.
func ParseSearch(pageURL string, r io.Reader) ([]OrgLink, error) {
	body, doc, err := load(r)
	if err != nil {
		return nil, err
	}
	if doc.Find(AnchorOrgList).Length() == 0 {
		return nil, missing(pageURL, AnchorOrgList, body, doc)
	}
	return orgLinks(pageURL, doc), nil
}

func orgLinks(pageURL string, doc *goquery.Document) []OrgLink {
	base, _ := url.Parse(pageURL)
	var links []OrgLink
	doc.Find(AnchorOrgLinks).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		name := strings.TrimSpace(a.Text())
		if href == "" || name == "" {
			return
		}
		links = append(links, OrgLink{Name: name, URL: resolve(base, href)})
	})
	return links
}

// ParseOrganization extracts the information table of an organization page.
func ParseOrganization(pageURL string, r io.Reader) (*Organization, error) {
	body, doc, err := load(r)
	if err != nil {
		return nil, err
	}
	table := doc.Find(AnchorInfo).First()
	if table.Length() == 0 {
		return nil, missing(pageURL, AnchorInfo, body, doc)
	}

	org := &Organization{URL: pageURL}
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		label := strings.ToLower(strings.TrimSpace(cells.Eq(0).Text()))
		label = strings.TrimRight(label, ": ")
		value := collapse(cells.Eq(1).Text())
		if label == "" || value == "" {
			return
		}
		org.assign(label, value)
	})
	org.Title = collapse(doc.Find("h1").First().Text())

	if org.INN == "" && org.Title == "" {
		return nil, parseError(pageURL, AnchorInfo+" tr", body)
	}
	return org, nil
}

func (o *Organization) assign(label, value string) {
	switch {
	case strings.Contains(label, "инн"):
		if m := innRe.FindString(value); m != "" && o.INN == "" {
			o.INN = m
		}
	case strings.Contains(label, "огрн"):
		if m := ogrnRe.FindString(value); m != "" && o.OGRN == "" {
			o.OGRN = m
		}
	case strings.Contains(label, "оквэд") && (strings.Contains(label, "основн") || o.Okved == ""):
		o.Okved = value
	case strings.Contains(label, "сотрудник") || strings.Contains(label, "численность"):
		o.Employees = value
	case strings.Contains(label, "выручка"):
		o.Revenue = value
	case strings.Contains(label, "адрес") && (strings.Contains(label, "юридическ") || o.Address == ""):
		o.Address = value
	case strings.Contains(label, "статус"):
		o.Status = value
	default:
		if o.Extra == nil {
			o.Extra = make(map[string]string)
		}
		o.Extra[label] = value
	}
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func collapse(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	return strings.Join(strings.Fields(s), " ")
}

// String implements fmt.Stringer for log output.
func (l OrgLink) String() string {
	return fmt.Sprintf("%s <%s>", l.Name, l.URL)
}
