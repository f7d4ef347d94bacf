package mcpclient

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/datacline/mcp-gateway/internal/adapter/outbound/credential"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
)

// headerRoundTripper injects static headers into every outbound request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (rt headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	cloned := req.Clone(req.Context())
	for k, v := range rt.headers {
		cloned.Header.Set(k, v)
	}
	return base.RoundTrip(cloned)
}

// bodyCredentialRoundTripper merges a credential field into the JSON
// envelope of POST-shaped requests. Non-POST requests and non-JSON
// bodies pass through untouched.
type bodyCredentialRoundTripper struct {
	base  http.RoundTripper
	field string
	value string
}

func (rt bodyCredentialRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Method != http.MethodPost || req.Body == nil ||
		!strings.Contains(req.Header.Get("Content-Type"), "json") {
		return base.RoundTrip(req)
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}

	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err == nil {
		envelope[rt.field] = rt.value
		if merged, err := json.Marshal(envelope); err == nil {
			raw = merged
		}
	}

	cloned := req.Clone(req.Context())
	cloned.Body = io.NopCloser(bytes.NewReader(raw))
	cloned.ContentLength = int64(len(raw))
	cloned.Header.Del("Content-Length")
	return base.RoundTrip(cloned)
}

// applyAuth produces the endpoint URL and HTTP round tripper carrying
// the upstream's formatted credential.
func applyAuth(endpoint string, spec *upstream.AuthSpec, cred string, base http.RoundTripper) (string, http.RoundTripper, error) {
	if spec == nil || spec.Method == upstream.AuthNone {
		return endpoint, base, nil
	}
	formatted := credential.Format(spec, cred)

	switch spec.Location {
	case upstream.LocationQuery:
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", nil, err
		}
		q := u.Query()
		q.Set(spec.ParamName(), formatted)
		u.RawQuery = q.Encode()
		return u.String(), base, nil

	case upstream.LocationBody:
		return endpoint, bodyCredentialRoundTripper{base: base, field: spec.ParamName(), value: formatted}, nil

	default: // header
		return endpoint, headerRoundTripper{base: base, headers: map[string]string{spec.ParamName(): formatted}}, nil
	}
}
