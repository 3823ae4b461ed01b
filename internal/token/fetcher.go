package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/valinor-ai/authguard/internal/probe"
)

// HTTPFetcher reads the token from an origin endpoint, preferring the
// response header and falling back to a JSON body of {"token": "..."}.
type HTTPFetcher struct {
	transport probe.Transport
	path      string
	header    string
}

func NewHTTPFetcher(transport probe.Transport, path, header string) *HTTPFetcher {
	if header == "" {
		header = DefaultHeader
	}
	return &HTTPFetcher{transport: transport, path: path, header: header}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (string, error) {
	resp, err := f.transport.Probe(ctx, probe.Request{Method: http.MethodGet, Target: f.path})
	if err != nil {
		return "", fmt.Errorf("fetching token: %w", probe.Classify(resp, err))
	}
	if resp.Status < 200 || resp.Status > 299 {
		return "", fmt.Errorf("fetching token: %w", probe.Classify(resp, nil))
	}

	if tok := resp.Header.Get(f.header); tok != "" {
		return tok, nil
	}

	if !resp.IsJSON() {
		return "", fmt.Errorf("fetching token: %w", probe.Classify(resp, nil))
	}
	var body struct {
		Token     string `json:"token"`
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("fetching token: %w", probe.NewError(probe.KindMalformed, resp.Status, err))
	}
	if body.Token != "" {
		return body.Token, nil
	}
	if body.CSRFToken != "" {
		return body.CSRFToken, nil
	}
	return "", fmt.Errorf("fetching token: %w", probe.NewError(probe.KindMalformed, resp.Status, errors.New("no token in response")))
}
