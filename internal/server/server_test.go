package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/config"
)

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tmp"), 0o755))
	cfg := &config.Config{
		SandboxName:     "test-box",
		BaseURL:         "https://sandbox.example.com",
		Port:            config.ControlPort,
		WorkspaceDir:    filepath.Join(dir, "workspace"),
		SessionCwd:      filepath.Join(dir, "workspace"),
		CommandTimeout:  10 * time.Second,
		TempDir:         filepath.Join(dir, "tmp"),
		CleanupInterval: time.Minute,
		TempFileMaxAge:  time.Minute,
		SleepAfter:      time.Hour,
		StatePath:       filepath.Join(dir, "state.db"),
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, srv.Engine()
}

// closeNotifyRecorder adds the http.CloseNotifier method ReverseProxy still
// requires on Go 1.21; httptest.ResponseRecorder does not provide it.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func doJSON(t *testing.T, e *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(&closeNotifyRecorder{rec}, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 && json.Unmarshal(rec.Body.Bytes(), &out) != nil {
		out = nil
	}
	return rec, out
}

func TestPingEnvelope(t *testing.T) {
	_, e := newTestServer(t)
	rec, body := doJSON(t, e, http.MethodGet, "/api/ping", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pong", body["message"])
	assert.Equal(t, "test-box", body["sandboxId"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Equal(t, "test-box", rec.Header().Get("X-Sandbox-Id"))
}

func TestVersion(t *testing.T) {
	_, e := newTestServer(t)
	rec, body := doJSON(t, e, http.MethodGet, "/api/version", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Version, body["version"])
	assert.Contains(t, body["languages"], "python")
}

func TestErrorEnvelope(t *testing.T) {
	_, e := newTestServer(t)
	rec, body := doJSON(t, e, http.MethodGet, "/api/process/ghost", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "PROCESS_NOT_FOUND", body["code"])
	assert.NotEmpty(t, body["error"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestExecuteRoundTrip(t *testing.T) {
	_, e := newTestServer(t)
	rec, body := doJSON(t, e, http.MethodPost, "/api/execute",
		map[string]any{"command": "echo hello"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello\n", body["stdout"])
	assert.Equal(t, float64(0), body["exitCode"])
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, rec.Header().Get("X-Session-Id"))

	rec, body = doJSON(t, e, http.MethodGet, "/api/commands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, body["count"].(float64), float64(1))
}

func TestExecuteRequiresCommand(t *testing.T) {
	_, e := newTestServer(t)
	rec, body := doJSON(t, e, http.MethodPost, "/api/execute", map[string]any{})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestExecStreamEndpoint(t *testing.T) {
	_, e := newTestServer(t)
	rec, _ := doJSON(t, e, http.MethodPost, "/api/execStream",
		map[string]any{"command": "echo streamed"})

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `"type":"start"`)
	assert.Contains(t, out, "streamed")
	assert.Contains(t, out, `"type":"complete"`)
	assert.Contains(t, out, "data: [DONE]")
}

func TestSessionLifecycle(t *testing.T) {
	_, e := newTestServer(t)

	rec, body := doJSON(t, e, http.MethodPost, "/api/session/create",
		map[string]any{"id": "work"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "work", body["sessionId"])

	_, body = doJSON(t, e, http.MethodGet, "/api/session/list", nil)
	assert.Contains(t, body["sessions"], "work")

	rec, _ = doJSON(t, e, http.MethodDelete, "/api/session/work", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, e, http.MethodDelete, "/api/session/work", nil)
	assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)
}

func TestFileEndpoints(t *testing.T) {
	_, e := newTestServer(t)

	rec, _ := doJSON(t, e, http.MethodPost, "/api/file/write",
		map[string]any{"path": "docs/hello.txt", "content": "hi there"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := doJSON(t, e, http.MethodPost, "/api/file/read",
		map[string]any{"path": "docs/hello.txt"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi there", body["content"])
	assert.Equal(t, "utf-8", body["encoding"])

	_, body = doJSON(t, e, http.MethodPost, "/api/file/exists",
		map[string]any{"path": "docs/hello.txt"})
	assert.Equal(t, true, body["exists"])
	assert.Equal(t, false, body["isDir"])

	_, body = doJSON(t, e, http.MethodPost, "/api/file/list",
		map[string]any{"path": "docs"})
	assert.Equal(t, float64(1), body["count"])

	rec, _ = doJSON(t, e, http.MethodPost, "/api/file/delete",
		map[string]any{"path": "docs/hello.txt"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = doJSON(t, e, http.MethodPost, "/api/file/read",
		map[string]any{"path": "docs/hello.txt"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "FILE_NOT_FOUND", body["code"])
}

func TestPortExposeFlow(t *testing.T) {
	_, e := newTestServer(t)

	rec, body := doJSON(t, e, http.MethodPost, "/api/port/expose",
		map[string]any{"port": 8080, "name": "web"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(8080), body["port"])
	assert.NotEmpty(t, body["url"])

	rec, body = doJSON(t, e, http.MethodPost, "/api/port/expose",
		map[string]any{"port": 8080})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PORT_ALREADY_EXPOSED", body["code"])

	rec, body = doJSON(t, e, http.MethodPost, "/api/port/expose",
		map[string]any{"port": config.ControlPort})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PORT_RESERVED", body["code"])

	rec, body = doJSON(t, e, http.MethodPost, "/api/port/expose",
		map[string]any{"port": 80})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PORT", body["code"])

	_, body = doJSON(t, e, http.MethodGet, "/api/exposed-ports", nil)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = doJSON(t, e, http.MethodDelete, "/api/exposed-ports/8080", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = doJSON(t, e, http.MethodDelete, "/api/exposed-ports/8080", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PORT_NOT_EXPOSED", body["code"])
}

func TestPreviewProxy(t *testing.T) {
	_, e := newTestServer(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "backend saw %s", r.URL.Path)
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	rec, _ := doJSON(t, e, http.MethodPost, "/api/port/expose",
		map[string]any{"port": port})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = doJSON(t, e, http.MethodGet,
		fmt.Sprintf("/preview/%d/test-box/hello", port), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backend saw /hello", rec.Body.String())
}

func TestProxyHeaderDispatch(t *testing.T) {
	_, e := newTestServer(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "via header")
	}))
	defer backend.Close()

	u, _ := url.Parse(backend.URL)
	port, _ := strconv.Atoi(u.Port())
	rec, _ := doJSON(t, e, http.MethodPost, "/api/port/expose", map[string]any{"port": port})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Header.Set("X-Proxy-Port", strconv.Itoa(port))
	rec = httptest.NewRecorder()
	e.ServeHTTP(&closeNotifyRecorder{rec}, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "via header", rec.Body.String())
}

func TestCommandHistoryEviction(t *testing.T) {
	h := newCommandHistory(3)
	for i := 0; i < 5; i++ {
		h.add(commandRecord{ID: strconv.Itoa(i)})
	}
	snap := h.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "2", snap[0].ID)
	assert.Equal(t, "4", snap[2].ID)
}
