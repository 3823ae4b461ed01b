package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const maxBodyBytes = 1 << 20

// HTTPTransport implements Transport over net/http. Requests share one
// cookie jar so session cookies set by the origin are replayed.
type HTTPTransport struct {
	base   *url.URL
	client *http.Client
	jar    http.CookieJar
}

// NewHTTPTransport creates a transport rooted at baseURL. A nil jar gets a
// fresh in-memory jar. The client timeout is an outer bound; callers apply
// tighter per-probe deadlines through ctx.
func NewHTTPTransport(baseURL string, jar http.CookieJar, timeout time.Duration) (*HTTPTransport, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing origin url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("origin url %q must be absolute", baseURL)
	}
	if jar == nil {
		jar, _ = cookiejar.New(nil)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		base:   base,
		jar:    jar,
		client: &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// BaseURL returns the origin root.
func (t *HTTPTransport) BaseURL() *url.URL {
	u := *t.base
	return &u
}

// Jar returns the cookie jar shared by every request.
func (t *HTTPTransport) Jar() http.CookieJar {
	return t.jar
}

func (t *HTTPTransport) Probe(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := t.resolve(req.Target)
	if err != nil {
		return Response{}, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, fmt.Errorf("creating request for %s: %w", target, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("reading %s %s: %w", method, target, err)
	}

	return Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header.Clone(),
		Body:        data,
	}, nil
}

func (t *HTTPTransport) resolve(target string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("parsing target %q: %w", target, err)
	}
	if ref.IsAbs() {
		if ref.Host != t.base.Host {
			return "", fmt.Errorf("target %q is outside origin %s", target, t.base.Host)
		}
		return ref.String(), nil
	}
	return t.base.ResolveReference(ref).String(), nil
}
