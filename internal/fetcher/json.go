package fetcher

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/resilience"
)

// DecodeJSONObject decodes a single JSON object from a reader.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// DecodeJSONResponse decodes resp.Body into T. A malformed body is reported
// as a transient failure.
func DecodeJSONResponse[T any](resp *Response) (*T, error) {
	obj, err := DecodeJSONObject[T](bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &resilience.TransientFetchError{Err: err, StatusCode: resp.StatusCode, URL: resp.URL}
	}
	return obj, nil
}
