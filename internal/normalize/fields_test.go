package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityCode(t *testing.T) {
	t.Parallel()

	got, err := ActivityCode("62.01 Разработка компьютерного программного обеспечения")
	require.NoError(t, err)
	assert.Equal(t, "62.01", got)

	got, err = ActivityCode("63.11.1")
	require.NoError(t, err)
	assert.Equal(t, "63.11.1", got)

	_, err = ActivityCode("программирование")
	assert.Error(t, err)

	got, err = ActivityCode("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWebsite(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "acme.ru", Website("https://www.Acme.ru/"))
	assert.Equal(t, "acme.ru/about", Website("http://acme.ru/about/"))
	assert.Equal(t, "", Website("not a site"))
}

func TestDescription(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "We build & ship software", Description("<p>We build &amp; ship</p>\n<b>software</b>"))

	long := make([]rune, 700)
	for i := range long {
		long[i] = 'я'
	}
	assert.Len(t, []rune(Description(string(long))), 500)
}

func TestRevenue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"1,2 млрд руб.", "1200000000"},
		{"350 млн руб.", "350000000"},
		{"15 000 тыс. руб.", "15000000"},
		{"987654", "987654"},
	}
	for _, tt := range tests {
		got, ok := Revenue(tt.in)
		assert.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, ok := Revenue("нет данных")
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "active", Status("ACTIVE"))
	assert.Equal(t, "active", Status("Действующая"))
	assert.Equal(t, "liquidated", Status("Ликвидирована 01.02.2020"))
	assert.Equal(t, "unknown code", Status("Unknown Code"))
	assert.Equal(t, "", Status(" "))
}
