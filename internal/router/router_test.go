package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/config"
)

func TestMatchSubdomain(t *testing.T) {
	route := Match("8080-my-sandbox.example.com", "/some/path", "")
	require.NotNil(t, route)
	assert.Equal(t, 8080, route.Port)
	assert.Equal(t, "my-sandbox", route.Sandbox)
	assert.Equal(t, "/some/path", route.Path)
}

func TestMatchSubdomainWithHostPort(t *testing.T) {
	route := Match("3000-abc.example.com:443", "/", "")
	require.NotNil(t, route)
	assert.Equal(t, 3000, route.Port)
	assert.Equal(t, "abc", route.Sandbox)
}

func TestMatchPreviewPathOnLocalhost(t *testing.T) {
	route := Match("localhost:8080", "/preview/5173/dev-box/assets/app.js", "")
	require.NotNil(t, route)
	assert.Equal(t, 5173, route.Port)
	assert.Equal(t, "dev-box", route.Sandbox)
	assert.Equal(t, "/assets/app.js", route.Path)
}

func TestMatchPreviewPathRootDefaults(t *testing.T) {
	route := Match("127.0.0.1:8080", "/preview/8080/box", "")
	require.NotNil(t, route)
	assert.Equal(t, "/", route.Path)
}

func TestMatchPreviewPathRejectedOnPublicHost(t *testing.T) {
	assert.Nil(t, Match("example.com", "/preview/8080/box/", ""))
}

func TestMatchNoPattern(t *testing.T) {
	assert.Nil(t, Match("example.com", "/api/execute", ""))
	assert.Nil(t, Match("www.example.com", "/", ""))
	assert.Nil(t, Match("notaport-abc.example.com", "/", ""))
}

func TestMatchSubdomainPinnedToBaseDomain(t *testing.T) {
	route := Match("8080-my-sandbox.example.com", "/x", "example.com")
	require.NotNil(t, route)
	assert.Equal(t, 8080, route.Port)
	assert.Equal(t, "my-sandbox", route.Sandbox)

	// Foreign domains with the same prefix shape must not be claimed.
	assert.Nil(t, Match("3000-foo.evil.example", "/", "example.com"))
	assert.Nil(t, Match("3000-foo.example.com.evil.example", "/", "example.com"))
	assert.Nil(t, Match("3000-foo.sub.example.com", "/", "example.com"))
	assert.Nil(t, Match("example.com", "/", "example.com"))
}

func newTestRouter(t *testing.T, sandboxAddr string, blocked []string) *Router {
	t.Helper()
	rt, err := New(&config.Config{
		SandboxAddr:        sandboxAddr,
		BlockedApexDomains: blocked,
	})
	require.NoError(t, err)
	return rt
}

func TestForwardSetsHeaders(t *testing.T) {
	var got http.Header
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	rt := newTestRouter(t, backend.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "http://8080-my-sandbox.example.com/app?q=1", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/app", gotPath)
	assert.Equal(t, "8080", got.Get("X-Proxy-Port"))
	assert.Equal(t, "my-sandbox", got.Get("X-Sandbox-Name"))
	assert.Equal(t, "8080-my-sandbox.example.com", got.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", got.Get("X-Forwarded-Proto"))
	assert.Contains(t, got.Get("X-Original-URL"), "/app?q=1")
}

func TestForwardControlPortOmitsProxyHeader(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer backend.Close()

	rt := newTestRouter(t, backend.URL, nil)
	req := httptest.NewRequest(http.MethodGet, "http://3000-my-sandbox.example.com/api/ping", nil)
	rt.ServeHTTP(httptest.NewRecorder(), req)

	assert.Empty(t, got.Get("X-Proxy-Port"))
}

func TestNoMatchIs404(t *testing.T) {
	rt := newTestRouter(t, "http://127.0.0.1:1", nil)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/whatever", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForeignDomainIs404(t *testing.T) {
	rt, err := New(&config.Config{
		SandboxAddr: "http://127.0.0.1:1",
		BaseDomain:  "example.com",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://8080-box.evil.example/", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockedApexDomain(t *testing.T) {
	rt := newTestRouter(t, "http://127.0.0.1:1", []string{"workers.dev"})
	req := httptest.NewRequest(http.MethodGet, "http://8080-box.mytenant.workers.dev/", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "CUSTOM_DOMAIN_REQUIRED")
}

func TestUnreachableSandboxReturnsProvisioning503(t *testing.T) {
	// Nothing listens on this address.
	rt := newTestRouter(t, "http://127.0.0.1:59999", nil)
	req := httptest.NewRequest(http.MethodGet, "http://8080-box.example.com/", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), ProvisioningBody)
}
