package registrysite

import (
	"errors"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/resilience"
)

func doc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return d
}

func TestIsChallenge(t *testing.T) {
	tests := []struct {
		name string
		html string
		want bool
	}{
		{"captcha form", `<form action="/showcaptcha"><input name="rep"></form>`, true},
		{"russian interstitial", `<body><h2>Проверка браузера</h2><p>Подождите несколько секунд</p></body>`, true},
		{"rate limit notice", `<body>Слишком много запросов с вашего IP</body>`, true},
		{"cdn", `<title>Just a moment...</title><body>Checking your browser before accessing</body>`, true},
		{"content page", orgHTML, false},
		{"drifted layout", `<div class="card">ООО Ромашка</div>`, false},
		{"long page mentioning captcha", `<body>` + strings.Repeat("текст ", 500) + `captcha</body>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsChallenge(doc(t, tt.html)))
		})
	}
}

func TestParseListing_ChallengeIsTransient(t *testing.T) {
	html := `<html><body><div class="smart-captcha"></div>Подтвердите, что вы не робот</body></html>`
	_, err := ParseListing("https://www.list-org.com/okved/62.01", strings.NewReader(html), 1)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.False(t, resilience.IsParseError(err))
	assert.True(t, errors.Is(err, ErrChallenge))
}

func TestParseOrganization_ChallengeIsTransient(t *testing.T) {
	_, err := ParseOrganization("https://www.list-org.com/company/1", strings.NewReader(`<body>Доступ ограничен</body>`))
	assert.True(t, resilience.IsTransient(err))
}
