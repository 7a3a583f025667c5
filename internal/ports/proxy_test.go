package ports

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/sberrors"
)

// backendPort starts a local HTTP server and returns its port plus the
// registry with that port exposed.
func backendPort(t *testing.T, handler http.Handler) (int, *Registry) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	r := newTestRegistry()
	_, err = r.Expose(port, "backend")
	require.NoError(t, err)
	return port, r
}

func TestForwardPreservesMethodAndPath(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotBody string
	port, registry := backendPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("X-Backend", "yes")
		fmt.Fprint(w, "pong")
	}))
	p := NewProxy(registry)

	req := httptest.NewRequest(http.MethodPost, "http://sandbox/ignored?a=1", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	require.NoError(t, p.Forward(rec, req, port, "/api/data"))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/data", gotPath)
	assert.Equal(t, "a=1", gotQuery)
	assert.Equal(t, "payload", gotBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Backend"))
}

func TestForwardEmptyPathDefaultsToRoot(t *testing.T) {
	var gotPath string
	port, registry := backendPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	p := NewProxy(registry)

	req := httptest.NewRequest(http.MethodGet, "http://sandbox/", nil)
	require.NoError(t, p.Forward(httptest.NewRecorder(), req, port, ""))
	assert.Equal(t, "/", gotPath)
}

func TestForwardUnexposedPort(t *testing.T) {
	p := NewProxy(newTestRegistry())
	req := httptest.NewRequest(http.MethodGet, "http://sandbox/", nil)
	err := p.Forward(httptest.NewRecorder(), req, 9999, "/")
	require.Error(t, err)
	assert.Equal(t, sberrors.PortNotExposed, sberrors.CodeOf(err))
}

func TestForwardDeadBackend(t *testing.T) {
	registry := newTestRegistry()
	// Exposed but nothing listens there.
	_, err := registry.Expose(59123, "")
	require.NoError(t, err)
	p := NewProxy(registry)

	req := httptest.NewRequest(http.MethodGet, "http://sandbox/", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, p.Forward(rec, req, 59123, "/"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), string(sberrors.ServiceNotResponding))
}
