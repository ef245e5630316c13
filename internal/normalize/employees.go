package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	numberRe       = regexp.MustCompile(`\d+`)
	thousandsSepRe = regexp.MustCompile(`(\d)[,'](\d{3})`)
	spaceRe        = regexp.MustCompile(`[\s\x{00A0}\x{202F}]+`)

	floorMarkers = []string{"от", "более", "свыше", "больше", "+", "over", "more than", "at least"}
	ceilMarkers  = []string{"до", "менее", "меньше", "не более", "up to", "less than", "under", "<"}

	// Patterns that state a head count inside free text.
	headcountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:более|свыше|больше)?\s*(\d[\d\s\x{00A0}]*)\+?\s*(?:сотрудник|человек|специалист|работник)`),
		regexp.MustCompile(`(?i)штат[а-я]*[:\s]+(?:более\s+|свыше\s+)?(\d[\d\s\x{00A0}]*)`),
		regexp.MustCompile(`(?i)команд[аеуы][:\s]+(?:из\s+)?(?:более\s+|свыше\s+)?(\d[\d\s\x{00A0}]*)`),
		regexp.MustCompile(`(?i)(\d[\d,\s]*)\+?\s*(?:employees|people|staff)`),
	}
)

// EmployeeMinimum collapses a head-count bucket into its lower bound:
// "100-500" and "от 100 до 500" yield 100, "более 500" and "500+" yield 500.
// A bucket that only states an upper bound ("до 100") yields 0, since
// nothing is known about its floor. ok is false when no number is present.
func EmployeeMinimum(text string) (int, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return 0, false
	}

	compact := spaceRe.ReplaceAllString(lower, "")
	for thousandsSepRe.MatchString(compact) {
		compact = thousandsSepRe.ReplaceAllString(compact, "$1$2")
	}

	raw := numberRe.FindAllString(compact, -1)
	if len(raw) == 0 {
		return 0, false
	}
	nums := make([]int, 0, len(raw))
	for _, r := range raw {
		n, err := strconv.Atoi(r)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return 0, false
	}

	minN := nums[0]
	for _, n := range nums[1:] {
		if n < minN {
			minN = n
		}
	}

	if len(nums) == 1 && hasAnyPrefixMarker(lower, ceilMarkers) && !hasAnyPrefixMarker(lower, floorMarkers) {
		return 0, true
	}
	return minN, true
}

// EmployeesFromDescription looks for an explicit head count in free text.
func EmployeesFromDescription(text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	for _, re := range headcountPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if n, ok := EmployeeMinimum(m[1]); ok && n > 0 {
			return n, true
		}
	}
	return 0, false
}

func hasAnyPrefixMarker(s string, markers []string) bool {
	for _, m := range markers {
		if m == "+" || m == "<" {
			if strings.Contains(s, m) {
				return true
			}
			continue
		}
		if strings.HasPrefix(s, m+" ") || strings.HasPrefix(s, m) && len(s) > len(m) && isDigit(s[len(m)]) {
			return true
		}
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
