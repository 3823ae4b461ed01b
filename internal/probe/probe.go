// Package probe is the boundary between the authorization-state engine and
// the origin server: a generic request function, read-only visibility into
// session credentials, and the single place where outcomes are classified.
package probe

import (
	"bytes"
	"context"
	"mime"
	"net/http"
	"strings"
)

// Request describes one outbound call to the origin. Target is a path
// relative to the transport's base URL.
type Request struct {
	Method string
	Target string
	Header http.Header
	Body   []byte
}

// Response is what the origin answered. Non-2xx statuses are responses,
// not errors.
type Response struct {
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Transport issues requests against the origin.
type Transport interface {
	Probe(ctx context.Context, req Request) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (Response, error)

func (f TransportFunc) Probe(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// CredentialStore reports whether session credential material is present.
// It feeds the readiness wait and diagnostics only, never an authorization
// decision.
type CredentialStore interface {
	HasSessionCredentials() bool
}

// IsJSON reports whether the response declares or looks like structured data.
func (r Response) IsJSON() bool {
	if mt, _, err := mime.ParseMediaType(r.ContentType); err == nil {
		if mt == "application/json" || strings.HasSuffix(mt, "+json") {
			return true
		}
		if mt != "" && mt != "text/plain" && mt != "application/octet-stream" {
			return false
		}
	}
	trimmed := bytes.TrimSpace(r.Body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// LooksLikeMarkup reports whether the body is an HTML/XML document, the
// usual symptom of a request routed to a page instead of an API.
func (r Response) LooksLikeMarkup() bool {
	if mt, _, err := mime.ParseMediaType(r.ContentType); err == nil && (mt == "text/html" || mt == "application/xhtml+xml") {
		return true
	}
	trimmed := bytes.TrimSpace(r.Body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}
