package normalize

import (
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
)

const maxDescriptionRunes = 500

var (
	activityCodeRe = regexp.MustCompile(`^\d{2}(?:\.\d{1,2}){0,2}$`)
	tagRe          = regexp.MustCompile(`<[^>]*>`)
	revenueNumRe   = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

// ActivityCode returns the dotted numeric classifier code ("62.01") found at
// the start of raw, which may carry a trailing label.
func ActivityCode(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if i := strings.IndexFunc(s, func(r rune) bool { return !(r >= '0' && r <= '9' || r == '.') }); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, ".")
	if !activityCodeRe.MatchString(s) {
		return "", &resilience.ValidationError{Field: model.FieldActivityCode, Value: raw, Reason: "not a dotted numeric code"}
	}
	return s, nil
}

// Website canonicalizes a site URL to its bare lower-case host and path.
func Website(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range []string{"https://", "http://", "//"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimRight(s, "/")
	if !strings.Contains(s, ".") || strings.ContainsAny(s, " \t") {
		return ""
	}
	return s
}

// Description strips markup, collapses whitespace and clips to a bounded length.
func Description(raw string) string {
	s := tagRe.ReplaceAllString(raw, " ")
	s = html.UnescapeString(s)
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	if utf8.RuneCountInString(s) > maxDescriptionRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:maxDescriptionRunes]))
	}
	return s
}

// Revenue parses an amount such as "1,2 млрд руб." into whole currency units.
func Revenue(raw string) (string, bool) {
	lower := strings.ToLower(spaceRe.ReplaceAllString(strings.TrimSpace(raw), ""))
	if lower == "" {
		return "", false
	}
	m := revenueNumRe.FindString(lower)
	if m == "" {
		return "", false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil {
		return "", false
	}

	switch {
	case strings.Contains(lower, "трлн"):
		v *= 1e12
	case strings.Contains(lower, "млрд"), strings.Contains(lower, "bn"):
		v *= 1e9
	case strings.Contains(lower, "млн"), strings.Contains(lower, "mln"):
		v *= 1e6
	case strings.Contains(lower, "тыс"):
		v *= 1e3
	}
	return strconv.FormatInt(int64(math.Round(v)), 10), true
}

var statusAliases = map[string]string{
	"active":         "active",
	"действующая":    "active",
	"действует":      "active",
	"liquidating":    "liquidating",
	"ликвидируется":  "liquidating",
	"liquidated":     "liquidated",
	"ликвидирована":  "liquidated",
	"ликвидировано":  "liquidated",
	"bankrupt":       "bankrupt",
	"банкротство":    "bankrupt",
	"reorganizing":   "reorganizing",
	"реорганизуется": "reorganizing",
}

// Status maps the various upstream status labels onto a small vocabulary.
func Status(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if v, ok := statusAliases[s]; ok {
		return v
	}
	for k, v := range statusAliases {
		if strings.HasPrefix(s, k) {
			return v
		}
	}
	return s
}
