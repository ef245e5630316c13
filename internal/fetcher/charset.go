package fetcher

import (
	"bytes"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

var metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([a-zA-Z0-9_\-]+)`)

// DetectCharset returns the charset declared by the Content-Type header or,
// failing that, by a <meta> tag near the top of the document. Defaults to utf-8.
func DetectCharset(contentType string, body []byte) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs := params["charset"]; cs != "" {
				return strings.ToLower(cs)
			}
		}
	}
	head := body
	if len(head) > 2048 {
		head = head[:2048]
	}
	if m := metaCharsetRe.FindSubmatch(head); m != nil {
		return strings.ToLower(string(m[1]))
	}
	return "utf-8"
}

// UTF8Reader returns a reader over resp.Body transcoded to UTF-8.
func UTF8Reader(resp *Response) (io.Reader, error) {
	cs := DetectCharset(resp.ContentType, resp.Body)
	if cs == "utf-8" || cs == "utf8" {
		return bytes.NewReader(resp.Body), nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: unsupported charset %q", cs)
	}
	return enc.NewDecoder().Reader(bytes.NewReader(resp.Body)), nil
}
