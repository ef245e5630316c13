package fetcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/resilience"
)

type page struct {
	Pages int      `json:"pages"`
	Items []string `json:"items"`
}

func TestDecodeJSONObject(t *testing.T) {
	obj, err := DecodeJSONObject[page](strings.NewReader(`{"pages":3,"items":["a","b"]}`))
	require.NoError(t, err)
	assert.Equal(t, 3, obj.Pages)
	assert.Equal(t, []string{"a", "b"}, obj.Items)
}

func TestDecodeJSONResponse_MalformedIsTransient(t *testing.T) {
	_, err := DecodeJSONResponse[page](&Response{URL: "https://api/x", StatusCode: 200, Body: []byte(`{"pages":3,"items":[`)})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
