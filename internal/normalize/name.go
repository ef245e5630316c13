package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// legalForms lists organizational-form prefixes and suffixes stripped before
// names are compared. Longer forms come first so they win over their abbreviations.
var legalForms = []string{
	"ОБЩЕСТВО С ОГРАНИЧЕННОЙ ОТВЕТСТВЕННОСТЬЮ",
	"ПУБЛИЧНОЕ АКЦИОНЕРНОЕ ОБЩЕСТВО",
	"НЕПУБЛИЧНОЕ АКЦИОНЕРНОЕ ОБЩЕСТВО",
	"ОТКРЫТОЕ АКЦИОНЕРНОЕ ОБЩЕСТВО",
	"ЗАКРЫТОЕ АКЦИОНЕРНОЕ ОБЩЕСТВО",
	"АКЦИОНЕРНОЕ ОБЩЕСТВО",
	"АВТОНОМНАЯ НЕКОММЕРЧЕСКАЯ ОРГАНИЗАЦИЯ",
	"ИНДИВИДУАЛЬНЫЙ ПРЕДПРИНИМАТЕЛЬ",
	"ФГУП", "МУП", "ГУП", "АНО", "ООО", "ОАО", "ЗАО", "ПАО", "НАО", "АО", "ИП",
	"LLC", "INC", "INCORPORATED", "CORP", "CORPORATION", "LTD", "LIMITED", "GMBH", "PLC",
}

var (
	legalFormRe = func() *regexp.Regexp {
		alts := make([]string, len(legalForms))
		for i, f := range legalForms {
			alts[i] = regexp.QuoteMeta(f)
		}
		alt := strings.Join(alts, "|")
		return regexp.MustCompile(`(?:^|\s)(?:` + alt + `)(?:\s|$)`)
	}()
	quoteReplacer = strings.NewReplacer(
		"«", `"`, "»", `"`, "“", `"`, "”", `"`, "„", `"`, "'", `"`, "`", `"`,
	)
	punctRe      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// upper folds case; a Caser is stateful, so each call gets its own.
func upper(s string) string {
	return cases.Upper(language.Und).String(s)
}

// DisplayName tidies a human-readable name without changing its meaning:
// compatibility forms are folded, quotes unified and whitespace collapsed.
func DisplayName(name string) string {
	name = norm.NFKC.String(strings.TrimSpace(name))
	name = quoteReplacer.Replace(name)
	name = spaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// MatchName reduces a name to the form used for fuzzy matching and fallback
// keys: upper case, Ё folded to Е, legal forms and punctuation removed.
func MatchName(name string) string {
	name = DisplayName(name)
	if name == "" {
		return ""
	}
	name = upper(name)
	name = strings.ReplaceAll(name, "Ё", "Е")
	name = strings.ReplaceAll(name, "&", " AND ")
	name = punctRe.ReplaceAllString(name, " ")
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = " " + strings.TrimSpace(name) + " "

	// Strip every legal form token; repeat since matches share boundaries.
	for {
		stripped := legalFormRe.ReplaceAllString(name, " ")
		if stripped == name {
			break
		}
		name = stripped
	}
	name = multiSpaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// Locality normalizes a city or region name for keying.
func Locality(s string) string {
	s = upper(DisplayName(s))
	s = strings.ReplaceAll(s, "Ё", "Е")
	s = strings.TrimPrefix(s, "Г. ")
	s = strings.TrimPrefix(s, "Г ")
	return strings.TrimSpace(s)
}

// FallbackKey is the unresolved-bucket key for an organization without a
// registry id.
func FallbackKey(name, locality string) string {
	return MatchName(name) + "|" + Locality(locality)
}

// SyntheticRegistryID derives a deterministic stand-in identifier from a
// fallback key. Real registry ids are purely numeric, so the prefix cannot
// collide with them.
func SyntheticRegistryID(fallbackKey string) string {
	sum := sha1.Sum([]byte(fallbackKey))
	return "FB-" + strings.ToUpper(hex.EncodeToString(sum[:8]))
}

var localityRe = regexp.MustCompile(`(?i)(?:^|[,\s])(?:г\.\s*|г\s+|город\s+)([\p{L}\- ]+?)(?:,|$)`)

// LocalityFromAddress extracts the city from a postal address such as
// "123112, г. Москва, ул. Тверская, д. 1".
func LocalityFromAddress(address string) string {
	m := localityRe.FindStringSubmatch(address)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
