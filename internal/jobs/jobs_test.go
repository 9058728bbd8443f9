package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"deployagent/internal/history"
	"deployagent/internal/lock"
	"deployagent/internal/metrics"
)

func shHosts() []ScriptHost {
	return []ScriptHost{
		{Name: "sh", Extensions: []string{".sh"}, Command: interpreter("sh")},
		{Name: "cat", Extensions: []string{".txt"}, Command: interpreter("cat")},
	}
}

// writeJob creates a job directory with the given files.
func writeJob(t *testing.T, root string, typ Type, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, string(typ), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for file, content := range files {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestNewCatalogValidation(t *testing.T) {
	tests := []struct {
		name  string
		root  string
		hosts []ScriptHost
	}{
		{"empty root", "", shHosts()},
		{"no hosts", "/jobs", nil},
		{"host without command", "/jobs", []ScriptHost{{Name: "x", Extensions: []string{".x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.root, tt.hosts); err == nil {
				t.Error("NewCatalog() should fail")
			}
		})
	}
}

func TestCatalog(t *testing.T) {
	root := t.TempDir()
	c, err := NewCatalog(root, shHosts())
	if err != nil {
		t.Fatal(err)
	}

	if names, err := c.Names(Triggered); err != nil || len(names) != 0 {
		t.Fatalf("Names() on missing dir = %v, %v", names, err)
	}

	writeJob(t, root, Triggered, "backup", map[string]string{
		"a.sh":         "echo a",
		"run.sh":       "echo run",
		"settings.job": `{"schedule": "0 */5 * * * *", "is_singleton": true, "timeout": "30s"}`,
	})
	writeJob(t, root, Triggered, "report", map[string]string{
		"notes.md":     "not runnable",
		"report.txt":   "hello",
		"settings.job": "schedule: '@hourly'\n",
	})
	writeJob(t, root, Triggered, "empty", map[string]string{"readme.md": "x"})
	writeJob(t, root, Triggered, "broken", map[string]string{
		"run.sh":       "echo",
		"settings.job": "{not: [valid",
	})

	names, err := c.Names(Triggered)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"backup", "broken", "empty", "report"}, names); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}

	backup, err := c.Get(Triggered, "backup")
	if err != nil || backup == nil {
		t.Fatalf("Get(backup) = %v, %v", backup, err)
	}
	if filepath.Base(backup.ScriptPath) != "run.sh" {
		t.Errorf("ScriptPath = %s, want run.sh preferred", backup.ScriptPath)
	}
	wantSettings := Settings{Schedule: "0 */5 * * * *", IsSingleton: true, Timeout: 30 * time.Second}
	if diff := cmp.Diff(wantSettings, backup.Settings); diff != "" {
		t.Errorf("Settings mismatch (-want +got):\n%s", diff)
	}

	report, _ := c.Get(Triggered, "report")
	if report == nil || report.Host.Name != "cat" || report.Settings.Schedule != "@hourly" {
		t.Errorf("Get(report) = %+v", report)
	}

	if job, err := c.Get(Triggered, "empty"); job != nil || err != nil {
		t.Errorf("Get(empty) = %v, %v, want nil, nil", job, err)
	}
	if job, err := c.Get(Triggered, "missing"); job != nil || err != nil {
		t.Errorf("Get(missing) = %v, %v, want nil, nil", job, err)
	}
	if job, err := c.Get(Triggered, "../backup"); job != nil || err != nil {
		t.Errorf("Get(../backup) = %v, %v, want nil, nil", job, err)
	}

	broken, _ := c.Get(Triggered, "broken")
	if broken == nil || broken.SettingsErr == nil {
		t.Errorf("Get(broken) = %+v, want SettingsErr", broken)
	}

	jobs, err := c.List(Triggered)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Errorf("List() returned %d jobs, want 3", len(jobs))
	}

	got := backup.Command([]string{"--full"})
	want := []string{"sh", backup.ScriptPath, "--full"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Command() mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultScriptHosts(t *testing.T) {
	hosts := DefaultScriptHosts()
	for _, ext := range []string{".sh", ".bash", ".py", ".js", ".php"} {
		found := false
		for i := range hosts {
			if hosts[i].Supports(ext) {
				found = true
			}
		}
		if !found {
			t.Errorf("no default host for %s", ext)
		}
	}
}

type fixture struct {
	root    string
	history *history.History
	metrics *metrics.Metrics
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	catalog, err := NewCatalog(filepath.Join(root, "jobs"), shHosts())
	if err != nil {
		t.Fatal(err)
	}
	hist, err := history.NewHistory(filepath.Join(root, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	m := metrics.NewMetrics(nil)
	mgr, err := NewManager(ManagerOptions{
		Project: "site",
		Catalog: catalog,
		History: hist,
		Locks:   lock.NewSet(filepath.Join(root, "locks")),
		Metrics: m,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Shutdown)

	return &fixture{root: filepath.Join(root, "jobs"), history: hist, metrics: m, manager: mgr}
}

func (f *fixture) latest(t *testing.T, name string) *history.JobRun {
	t.Helper()
	run, err := f.manager.LatestRun(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(ManagerOptions{}); err == nil {
		t.Error("NewManager() without catalog should fail")
	}
}

func TestInvokeTriggeredJob(t *testing.T) {
	f := newFixture(t)
	writeJob(t, f.root, Triggered, "hello", map[string]string{
		"run.sh": `echo "hi $1 from $DEPLOYAGENT_JOB_NAME via $DEPLOYAGENT_JOB_TRIGGER"`,
	})

	id, err := f.manager.InvokeTriggeredJob(context.Background(), "hello", []string{"there"}, TriggerManual)
	if err != nil {
		t.Fatalf("InvokeTriggeredJob() error = %v", err)
	}
	f.manager.Wait()

	run := f.latest(t, "hello")
	if run == nil || run.ID != id {
		t.Fatalf("LatestRun() = %+v, want run %s", run, id)
	}
	if run.Status != history.StatusSuccess || run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("run = %+v, want success", run)
	}
	if !strings.Contains(run.Output, "hi there from hello via manual") {
		t.Errorf("Output = %q", run.Output)
	}
	if got := testutil.ToFloat64(f.metrics.JobInvocationsTotal.WithLabelValues("site", "hello", "success")); got != 1 {
		t.Errorf("success invocations = %v, want 1", got)
	}
}

func TestInvokeTriggeredJobFailure(t *testing.T) {
	f := newFixture(t)
	writeJob(t, f.root, Triggered, "bad", map[string]string{"run.sh": "echo oops; exit 4"})

	if _, err := f.manager.InvokeTriggeredJob(context.Background(), "bad", nil, TriggerSchedule); err != nil {
		t.Fatal(err)
	}
	f.manager.Wait()

	run := f.latest(t, "bad")
	if run.Status != history.StatusFailed || run.ExitCode == nil || *run.ExitCode != 4 {
		t.Errorf("run = %+v, want failed with exit 4", run)
	}
	if run.ErrorMessage == nil {
		t.Error("ErrorMessage should be set")
	}
}

func TestInvokeTriggeredJobSettingsTimeout(t *testing.T) {
	f := newFixture(t)
	writeJob(t, f.root, Triggered, "slow", map[string]string{
		"run.sh":       "sleep 5",
		"settings.job": "timeout: 100ms\n",
	})

	if _, err := f.manager.InvokeTriggeredJob(context.Background(), "slow", nil, TriggerManual); err != nil {
		t.Fatal(err)
	}
	f.manager.Wait()

	if run := f.latest(t, "slow"); run.Status != history.StatusFailed {
		t.Errorf("Status = %s, want failed after timeout", run.Status)
	}
}

func TestInvokeTriggeredJobNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.InvokeTriggeredJob(context.Background(), "ghost", nil, TriggerManual)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestInvokeTriggeredJobConflict(t *testing.T) {
	f := newFixture(t)
	writeJob(t, f.root, Triggered, "long", map[string]string{"run.sh": "sleep 1"})
	ctx := context.Background()

	if _, err := f.manager.InvokeTriggeredJob(ctx, "long", nil, TriggerManual); err != nil {
		t.Fatal(err)
	}
	_, err := f.manager.InvokeTriggeredJob(ctx, "long", nil, TriggerSchedule)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second invoke error = %v, want ErrConflict", err)
	}
	f.manager.Wait()

	runs, err := f.manager.Runs(ctx, "long", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("recorded %d runs, want 1", len(runs))
	}

	// The lock is free again once the run is over.
	if _, err := f.manager.InvokeTriggeredJob(ctx, "long", nil, TriggerManual); err != nil {
		t.Errorf("invoke after completion error = %v", err)
	}
	f.manager.Wait()
}

func TestManagerShutdownAbortsRuns(t *testing.T) {
	f := newFixture(t)
	writeJob(t, f.root, Triggered, "forever", map[string]string{"run.sh": "sleep 30"})

	if _, err := f.manager.InvokeTriggeredJob(context.Background(), "forever", nil, TriggerManual); err != nil {
		t.Fatal(err)
	}
	f.manager.Shutdown()

	if run := f.latest(t, "forever"); run.Status != history.StatusAborted {
		t.Errorf("Status = %s, want aborted", run.Status)
	}
	if _, err := f.manager.InvokeTriggeredJob(context.Background(), "forever", nil, TriggerManual); err == nil {
		t.Error("invoke after shutdown should fail")
	}
}

func newRunner(t *testing.T, root string) *ContinuousRunner {
	t.Helper()
	catalog, err := NewCatalog(root, shHosts())
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewContinuousRunner(RunnerOptions{
		Project:      "site",
		Catalog:      catalog,
		Locks:        lock.NewSet(filepath.Join(t.TempDir(), "locks")),
		Metrics:      metrics.NewMetrics(nil),
		RestartDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)
	return r
}

func TestContinuousRunnerRestarts(t *testing.T) {
	root := t.TempDir()
	counter := filepath.Join(t.TempDir(), "count")
	writeJob(t, root, Continuous, "ticker", map[string]string{
		"run.sh": "echo x >> " + counter,
	})

	r := newRunner(t, root)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	waitFor(t, 5*time.Second, func() bool {
		s := r.Status()
		return len(s) == 1 && s[0].Restarts >= 2
	})

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "x"); n < 2 {
		t.Errorf("script ran %d times, want at least 2", n)
	}
}

func TestContinuousRunnerRefresh(t *testing.T) {
	root := t.TempDir()
	r := newRunner(t, root)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if len(r.Status()) != 0 {
		t.Fatal("no jobs expected before any are written")
	}

	dir := writeJob(t, root, Continuous, "worker", map[string]string{"run.sh": "sleep 30"})
	r.Refresh("worker")
	waitFor(t, 5*time.Second, func() bool {
		s := r.Status()
		return len(s) == 1 && s[0].State == StateRunning
	})

	// An unchanged job keeps its worker.
	r.Refresh("worker")
	if s := r.Status(); len(s) != 1 || s[0].Restarts != 0 {
		t.Errorf("Status() after no-op refresh = %+v", s)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	r.Refresh("worker")
	if s := r.Status(); len(s) != 0 {
		t.Errorf("Status() after removal = %+v, want empty", s)
	}
}

func TestContinuousRunnerSingletonWaitsOnLock(t *testing.T) {
	root := t.TempDir()
	writeJob(t, root, Continuous, "single", map[string]string{
		"run.sh":       "sleep 30",
		"settings.job": "is_singleton: true\n",
	})

	r := newRunner(t, root)
	held, err := r.locks.Get("single")
	if err != nil {
		t.Fatal(err)
	}
	other, err := lock.New(held.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !other.Lock() {
		t.Fatal("failed to take the lock first")
	}

	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool {
		s := r.Status()
		return len(s) == 1 && s[0].State == StateWaitingOnLock
	})

	other.Release()
	waitFor(t, 5*time.Second, func() bool {
		s := r.Status()
		return len(s) == 1 && s[0].State == StateRunning
	})
}
