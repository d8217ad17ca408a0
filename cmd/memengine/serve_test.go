package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/memengine/api"
	"github.com/BaSui01/memengine/api/handlers"
	"github.com/BaSui01/memengine/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Path = ":memory:"
	cfg.Database.HealthCheckInterval = 0
	cfg.Index.Dir = ""
	cfg.Embedding.Dimension = 64
	cfg.Maintenance.Enabled = false
	cfg.Recovery.MaxRetries = 0
	cfg.Async.EvaluatorRPS = 0
	cfg.Server.RateLimitRPS = 0
	return cfg
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer(ctx, testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		_ = srv.Close(cctx)
	})
	return srv, srv.Router(ctx)
}

func call(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, handlers.Response) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var resp handlers.Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func decode(t *testing.T, resp handlers.Response, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestRouter_HealthReadyVersion(t *testing.T) {
	_, h := newTestServer(t)

	w, _ := call(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, _ = call(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "database")

	w, _ = call(t, h, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), Version)
}

func TestRouter_InteractionThenQuery(t *testing.T) {
	_, h := newTestServer(t)

	w, resp := call(t, h, http.MethodPost, "/v1/interactions",
		`{"user_text":"I love hiking in the mountains","ai_text":"Hiking is a great hobby!","user_id":"u1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stored api.InteractionResponse
	decode(t, resp, &stored)
	assert.NotEmpty(t, stored.UserMemoryID)
	assert.NotEmpty(t, stored.SessionID)

	w, resp = call(t, h, http.MethodPost, "/v1/query", `{"query":"hiking mountains","user_id":"u1","debug":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out api.QueryResponse
	decode(t, resp, &out)
	assert.Contains(t, out.Context, "hiking")
	assert.NotEmpty(t, out.Trace)

	w, resp = call(t, h, http.MethodGet, "/v1/memories/"+stored.UserMemoryID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var m api.Memory
	decode(t, resp, &m)
	assert.Equal(t, "I love hiking in the mountains", m.Content)

	w, _ = call(t, h, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memories")
}

func TestRouter_NotFoundAndValidation(t *testing.T) {
	_, h := newTestServer(t)

	w, resp := call(t, h, http.MethodGet, "/v1/memories/01J9Z5Q3D1M8X4V6K2T7R0N5BC", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	w, _ = call(t, h, http.MethodPost, "/v1/interactions", `{"user_text":"","ai_text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	_, h := newTestServer(t)

	call(t, h, http.MethodGet, "/health", "")
	w, _ := call(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memengine_http_requests_total")
}

// =============================================================================
// 🧪 子命令
// =============================================================================

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	yml := `
log:
  level: error
  output_paths: ["stderr"]
database:
  driver: sqlite
  path: ` + filepath.Join(dir, "mem.db") + `
  health_check_interval: 0s
index:
  dir: ` + filepath.Join(dir, "index") + `
embedding:
  dimension: 32
maintenance:
  enabled: false
recovery:
  max_retries: 0
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out := runCommand(t, "version")
	assert.Contains(t, out, "memengine "+Version)
	assert.Contains(t, out, "Git Commit")
}

func TestStatsCommand(t *testing.T) {
	out := runCommand(t, "stats", "--config", writeConfig(t))

	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Contains(t, stats, "memories")
}

func TestRebuildIndexAndDecayCommands(t *testing.T) {
	cfgPath := writeConfig(t)

	out := runCommand(t, "rebuild-index", "--config", cfgPath)
	assert.True(t, json.Valid([]byte(out)), out)

	out = runCommand(t, "decay", "--config", cfgPath)
	assert.True(t, json.Valid([]byte(out)), out)
}
