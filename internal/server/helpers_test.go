package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"deployagent/internal/agent"
	"deployagent/internal/history"
	"deployagent/internal/jobs"
	"deployagent/internal/metrics"
	"deployagent/internal/project"
	"deployagent/internal/repository/repotest"
)

const testSecret = "k7Qw9zR2mX4vB8nL1pT6yH3jF5sD0gCa"

type testEnv struct {
	handler http.Handler
	pool    *agent.Pool
	metrics *metrics.Metrics
	project *project.Project
	origin  *repotest.Origin
	agent   *agent.Agent
}

// setupTestServer starts a pool with one site, "site", cloned from a local
// origin. prepare runs before the pool starts.
func setupTestServer(t *testing.T, prepare func(*project.Project), configure func(*Options)) *testEnv {
	t.Helper()
	origin := repotest.NewOrigin(t)

	p := &project.Project{
		Name:         "site",
		Path:         t.TempDir(),
		Secret:       testSecret,
		Branch:       "main",
		SKU:          project.SKUBasic,
		BuildTimeout: 30 * time.Second,
		FetchTimeout: 30 * time.Second,
	}
	origin.Clone(t, p.RepositoryPath())
	if prepare != nil {
		prepare(p)
	}

	hist, err := history.NewHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	m := metrics.NewMetrics(nil)
	logger := zaptest.NewLogger(t)
	pool, err := agent.NewPool(project.NewRegistry(map[string]*project.Project{"site": p}), agent.Options{
		History: hist,
		Metrics: m,
		Logger:  logger,
		ScriptHosts: []jobs.ScriptHost{{
			Name:       "sh",
			Extensions: []string{".sh"},
			Command: func(script string, args []string) []string {
				return append([]string{"sh", script}, args...)
			},
		}},
		LockTimeout:  time.Second,
		JobsDebounce: 20 * time.Millisecond,
		RestartDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pool.Stop(ctx); err != nil {
			t.Errorf("pool.Stop() error = %v", err)
		}
	})

	opts := Options{
		Pool:     pool,
		Metrics:  m,
		Logger:   logger,
		Version:  "test",
		TestMode: true,
	}
	if configure != nil {
		configure(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := pool.Get("site")
	return &testEnv{
		handler: srv.Router(),
		pool:    pool,
		metrics: m,
		project: p,
		origin:  origin,
		agent:   a,
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// webhook posts a signed GitHub event.
func (e *testEnv) webhook(t *testing.T, project, event string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/in/"+project, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", sign(testSecret, body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// api performs an authenticated request against the site API.
func (e *testEnv) api(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, "/api/site"+path, reader)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func pushPayload(ref, after string) map[string]interface{} {
	return map[string]interface{}{
		"ref":   ref,
		"after": after,
		"pusher": map[string]interface{}{
			"name": "alice",
		},
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
