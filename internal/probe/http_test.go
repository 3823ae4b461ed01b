package probe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/authguard/internal/probe"
)

func TestHTTPTransport_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/status", r.URL.Path)
		assert.Equal(t, "abc", r.Header.Get("X-CSRF-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"authenticated":true}`))
	}))
	defer srv.Close()

	tr, err := probe.NewHTTPTransport(srv.URL, nil, time.Second)
	require.NoError(t, err)

	resp, err := tr.Probe(context.Background(), probe.Request{
		Target: "/api/auth/status",
		Header: http.Header{"X-Csrf-Token": []string{"abc"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.IsJSON())
	assert.JSONEq(t, `{"authenticated":true}`, string(resp.Body))
}

func TestHTTPTransport_NonSuccessIsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tr, err := probe.NewHTTPTransport(srv.URL, nil, time.Second)
	require.NoError(t, err)

	resp, err := tr.Probe(context.Background(), probe.Request{Target: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestHTTPTransport_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	tr, err := probe.NewHTTPTransport(srv.URL, nil, 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = tr.Probe(ctx, probe.Request{Target: "/slow"})
	require.Error(t, err)
	assert.Equal(t, probe.KindTimeout, probe.KindOf(probe.Classify(probe.Response{}, err)))
}

func TestHTTPTransport_RejectsForeignHost(t *testing.T) {
	tr, err := probe.NewHTTPTransport("http://origin.test", nil, time.Second)
	require.NoError(t, err)

	_, err = tr.Probe(context.Background(), probe.Request{Target: "http://evil.test/steal"})
	assert.Error(t, err)
}

func TestNewHTTPTransport_RelativeURL(t *testing.T) {
	_, err := probe.NewHTTPTransport("/relative", nil, time.Second)
	assert.Error(t, err)
}

func TestJarCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s3cr3t", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr, err := probe.NewHTTPTransport(srv.URL, nil, time.Second)
	require.NoError(t, err)
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	creds := probe.NewJarCredentials(tr.Jar(), origin, "session")
	assert.False(t, creds.HasSessionCredentials())

	_, err = tr.Probe(context.Background(), probe.Request{Target: "/login"})
	require.NoError(t, err)
	assert.True(t, creds.HasSessionCredentials())

	other := probe.NewJarCredentials(tr.Jar(), origin, "other")
	assert.False(t, other.HasSessionCredentials())
}
