package registrysite

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/resilience"
)

// ErrChallenge is wrapped by the transient error returned for anti-bot
// interstitials served in place of the requested page.
var ErrChallenge = eris.New("registrysite: challenge page")

// challengeSignatures are lowercased phrases of the interstitials the site
// and its CDN serve to suspected robots.
var challengeSignatures = []string{
	"captcha",
	"проверка браузера",
	"подтвердите, что вы не робот",
	"вы не робот",
	"слишком много запросов",
	"доступ ограничен",
	"checking your browser",
	"enable javascript",
	"just a moment",
	"access denied",
}

// IsChallenge reports whether doc is an anti-bot interstitial rather than
// a content page. Only short documents qualify; a full page that merely
// mentions a phrase is content.
func IsChallenge(doc *goquery.Document) bool {
	if doc.Find("form[action*='captcha'], img[src*='captcha'], div.g-recaptcha, div.smart-captcha").Length() > 0 {
		return true
	}
	text := strings.ToLower(collapse(doc.Find("body").Text()))
	if len(text) > 2000 {
		return false
	}
	for _, sig := range challengeSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// missing reports an absent anchor. Challenge pages are transient so the
// request is retried after backoff; anything else is layout drift.
func missing(pageURL, anchor string, body []byte, doc *goquery.Document) error {
	if IsChallenge(doc) {
		return &resilience.TransientFetchError{Err: ErrChallenge, URL: pageURL}
	}
	return parseError(pageURL, anchor, body)
}
