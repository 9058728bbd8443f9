package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"deployagent/internal/history"
	"deployagent/internal/jobs"
	"deployagent/internal/schedule"
)

// fakeJobs is an in-memory JobsManager.
type fakeJobs struct {
	mu        sync.Mutex
	settings  map[string]jobs.Settings
	lastRun   map[string]time.Time
	invokeErr error
	invoked   []string
	lookups   int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		settings: make(map[string]jobs.Settings),
		lastRun:  make(map[string]time.Time),
	}
}

func (f *fakeJobs) set(name, expr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[name] = jobs.Settings{Schedule: expr}
}

func (f *fakeJobs) remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.settings, name)
}

func (f *fakeJobs) GetJob(name string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settings[name]
	if !ok {
		return nil, nil
	}
	return &jobs.Job{Name: name, Type: jobs.Triggered, Settings: s}, nil
}

func (f *fakeJobs) LatestRun(ctx context.Context, name string) (*history.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	t, ok := f.lastRun[name]
	if !ok {
		return nil, nil
	}
	return &history.JobRun{Job: name, StartedAt: t}, nil
}

func (f *fakeJobs) InvokeTriggeredJob(ctx context.Context, name string, args []string, trigger string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if trigger != jobs.TriggerSchedule {
		return "", fmt.Errorf("unexpected trigger %q", trigger)
	}
	f.invoked = append(f.invoked, name)
	if f.invokeErr != nil {
		return "", f.invokeErr
	}
	f.lastRun[name] = time.Now().UTC()
	return "run-" + name, nil
}

func (f *fakeJobs) invocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invoked)
}

func (f *fakeJobs) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type tier bool

func (t tier) ScheduledJobsAllowed() bool { return bool(t) }

func newScheduler(t *testing.T, fj JobsManager, opts Options) *Scheduler {
	t.Helper()
	opts.Project = "site"
	opts.Jobs = fj
	if opts.Settings == nil {
		opts.Settings = tier(true)
	}
	opts.Logger = zaptest.NewLogger(t)
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
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

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{Settings: tier(true)}); err == nil {
		t.Error("New() without jobs manager should fail")
	}
	if _, err := New(Options{Jobs: newFakeJobs()}); err == nil {
		t.Error("New() without settings should fail")
	}
}

func TestOnJobChangedIsIdempotent(t *testing.T) {
	fj := newFakeJobs()
	fj.set("backup", "@hourly")
	fj.lastRun["backup"] = time.Now().UTC()
	s := newScheduler(t, fj, Options{})

	s.OnJobChanged("backup")
	first := s.schedules["backup"]
	s.OnJobChanged("backup")

	snaps := s.Schedules()
	if len(snaps) != 1 {
		t.Fatalf("Schedules() = %+v, want exactly one", snaps)
	}
	if s.schedules["backup"] != first {
		t.Error("second change replaced the schedule instead of re-arming it")
	}
	if snaps[0].State != StateArmed || snaps[0].Schedule != "@hourly" {
		t.Errorf("snapshot = %+v, want armed @hourly", snaps[0])
	}
	if fj.invocations() != 0 {
		t.Errorf("job invoked %d times, want 0 (not due)", fj.invocations())
	}
}

func TestOnJobChangedTransitions(t *testing.T) {
	fj := newFakeJobs()
	fj.lastRun["a"] = time.Now().UTC()
	s := newScheduler(t, fj, Options{})

	// No schedule setting: nothing armed.
	fj.settings["a"] = jobs.Settings{}
	s.OnJobChanged("a")
	if len(s.Schedules()) != 0 {
		t.Fatal("job without schedule should not be armed")
	}

	fj.set("a", "0 0 * * *")
	s.OnJobChanged("a")
	if len(s.Schedules()) != 1 {
		t.Fatal("job with schedule should be armed")
	}
	js := s.schedules["a"]

	// New expression re-arms the same schedule.
	fj.set("a", "@every 2h")
	s.OnJobChanged("a")
	if got := s.Schedules()[0].Schedule; got != "@every 2h" {
		t.Errorf("schedule = %q, want @every 2h", got)
	}

	// Invalid expression degrades to unscheduled and disposes.
	fj.set("a", "not a cron")
	s.OnJobChanged("a")
	if len(s.Schedules()) != 0 {
		t.Error("invalid expression should unschedule the job")
	}
	if js.Snapshot().State != StateDisposed {
		t.Errorf("old schedule state = %s, want disposed", js.Snapshot().State)
	}

	// Removing the job entirely is handled the same way.
	fj.set("a", "@hourly")
	s.OnJobChanged("a")
	fj.remove("a")
	s.OnJobChanged("a")
	if len(s.Schedules()) != 0 {
		t.Error("removed job should be unscheduled")
	}
}

func TestInvalidScheduleDoesNotAffectOthers(t *testing.T) {
	fj := newFakeJobs()
	now := time.Now().UTC()
	fj.lastRun["good"] = now
	fj.lastRun["bad"] = now
	fj.set("good", "@hourly")
	fj.set("bad", "61 * * * *")
	s := newScheduler(t, fj, Options{})

	s.OnJobChanged("good")
	s.OnJobChanged("bad")

	snaps := s.Schedules()
	if len(snaps) != 1 || snaps[0].Job != "good" {
		t.Errorf("Schedules() = %+v, want only good", snaps)
	}
}

func TestTierGate(t *testing.T) {
	fj := newFakeJobs()
	fj.set("nightly", "@daily")
	s := newScheduler(t, fj, Options{Settings: tier(false)})

	s.OnJobChanged("nightly")
	if len(s.Schedules()) != 0 {
		t.Error("free tier should not arm schedules")
	}
	if fj.invocations() != 0 {
		t.Error("free tier should not invoke scheduled jobs")
	}
}

func TestNeverRunJobFiresImmediately(t *testing.T) {
	fj := newFakeJobs()
	fj.set("first", "@every 1h")
	s := newScheduler(t, fj, Options{})

	s.OnJobChanged("first")
	waitFor(t, 2*time.Second, func() bool { return fj.invocations() == 1 })

	// Rescheduled from now for the next occurrence, not fired again.
	waitFor(t, 2*time.Second, func() bool {
		snaps := s.Schedules()
		return len(snaps) == 1 && snaps[0].State == StateArmed
	})
	if next := s.Schedules()[0].NextRun; time.Until(next) < 30*time.Minute {
		t.Errorf("NextRun = %v, want about an hour out", next)
	}
	time.Sleep(100 * time.Millisecond)
	if fj.invocations() != 1 {
		t.Errorf("job invoked %d times, want 1", fj.invocations())
	}
}

func TestConflictIsSwallowed(t *testing.T) {
	fj := newFakeJobs()
	fj.set("busy", "@hourly")
	fj.invokeErr = fmt.Errorf("wrapped: %w", jobs.ErrConflict)
	s := newScheduler(t, fj, Options{})

	s.OnJobChanged("busy")
	waitFor(t, 2*time.Second, func() bool { return fj.invocations() == 1 })
	waitFor(t, 2*time.Second, func() bool {
		snaps := s.Schedules()
		return len(snaps) == 1 && snaps[0].State == StateArmed && !snaps[0].NextRun.IsZero()
	})
}

func TestClampedTimerRechecksWithoutInvoking(t *testing.T) {
	fj := newFakeJobs()
	fj.set("hourly", "@every 1h")
	fj.lastRun["hourly"] = time.Now().UTC()
	s := newScheduler(t, fj, Options{MaxTimer: 20 * time.Millisecond})

	s.OnJobChanged("hourly")
	base := fj.lookupCount()
	waitFor(t, 2*time.Second, func() bool { return fj.lookupCount() >= base+3 })

	if fj.invocations() != 0 {
		t.Errorf("job invoked %d times, want 0", fj.invocations())
	}
}

func TestStopDisposesSchedules(t *testing.T) {
	fj := newFakeJobs()
	fj.set("a", "* * * * * *")
	fj.lastRun["a"] = time.Now().UTC()
	s := newScheduler(t, fj, Options{})

	s.OnJobChanged("a")
	s.Stop()
	count := fj.invocations()
	time.Sleep(1500 * time.Millisecond)

	if fj.invocations() != count {
		t.Error("job invoked after Stop")
	}
	if len(s.Schedules()) != 0 {
		t.Error("Schedules() should be empty after Stop")
	}
	s.OnJobChanged("a")
	if len(s.Schedules()) != 0 {
		t.Error("OnJobChanged after Stop should not arm")
	}
}

func TestJobScheduleDispose(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	// maxTimer makes the armed timer short regardless of the schedule.
	js := newJobSchedule("x", func(*JobSchedule) {
		mu.Lock()
		fired++
		mu.Unlock()
	}, zaptest.NewLogger(t), 50*time.Millisecond, func() time.Time { return time.Now().UTC() })

	sched, err := schedule.Parse("@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	js.Reschedule(time.Now().UTC(), sched)
	if js.Snapshot().State != StateArmed {
		t.Fatalf("state = %s, want armed", js.Snapshot().State)
	}
	js.Dispose()
	js.Dispose()

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Errorf("fired %d times after Dispose", fired)
	}
	if js.Snapshot().State != StateDisposed {
		t.Errorf("state = %s, want disposed", js.Snapshot().State)
	}

	// Rescheduling a disposed schedule is ignored.
	js.Reschedule(time.Time{}, sched)
	if !js.NextRun().IsZero() {
		t.Error("disposed schedule re-armed")
	}
}

func TestJobScheduleSingleTimer(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	js := newJobSchedule("x", func(*JobSchedule) {
		mu.Lock()
		fired++
		mu.Unlock()
	}, zaptest.NewLogger(t), time.Hour, func() time.Time { return time.Now().UTC() })
	t.Cleanup(js.Dispose)

	sched, err := schedule.Parse("@hourly")
	if err != nil {
		t.Fatal(err)
	}
	// Ten due re-arms leave one pending timer.
	for i := 0; i < 10; i++ {
		js.Reschedule(time.Time{}, sched)
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("fired %d times, want 1", fired)
	}
}

func TestNeverScheduleIsUnscheduled(t *testing.T) {
	js := newJobSchedule("x", func(*JobSchedule) {}, zaptest.NewLogger(t), time.Hour, func() time.Time { return time.Now().UTC() })
	t.Cleanup(js.Dispose)

	sched, err := schedule.Parse("0 0 30 2 *")
	if err != nil {
		t.Fatal(err)
	}
	js.Reschedule(time.Now().UTC(), sched)

	snap := js.Snapshot()
	if snap.State != StateUnscheduled || !snap.NextRun.IsZero() {
		t.Errorf("snapshot = %+v, want unscheduled", snap)
	}
}

// recorder collects watcher callbacks.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.names
	r.names = nil
	sort.Strings(out)
	return out
}

func listDirs(dir string) func() ([]string, error) {
	return func() ([]string, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		return names, nil
	}
}

func TestWatcher(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "triggered")
	if err := os.MkdirAll(filepath.Join(dir, "existing"), 0755); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	w, err := NewWatcher(dir, listDirs(dir), rec.add, 30*time.Millisecond, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)

	if diff := cmp.Diff([]string{"existing"}, rec.take()); diff != "" {
		t.Errorf("initial sweep mismatch (-want +got):\n%s", diff)
	}

	// A burst of events for a new job collapses into one callback.
	newJob := filepath.Join(dir, "fresh")
	if err := os.MkdirAll(newJob, 0755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(newJob, "settings.job"), []byte(fmt.Sprintf("schedule: '@every %dm'\n", i+1)), 0644); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	waitFor(t, 3*time.Second, func() bool {
		got = append(got, rec.take()...)
		return len(got) > 0
	})
	time.Sleep(100 * time.Millisecond)
	got = append(got, rec.take()...)
	if diff := cmp.Diff([]string{"fresh"}, got); diff != "" {
		t.Errorf("burst mismatch (-want +got):\n%s", diff)
	}

	// Edits inside an existing job directory are attributed to that job.
	if err := os.WriteFile(filepath.Join(dir, "existing", "settings.job"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		names := rec.take()
		return len(names) == 1 && names[0] == "existing"
	})

	// Removal is reported too.
	if err := os.RemoveAll(newJob); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		for _, n := range rec.take() {
			if n == "fresh" {
				return true
			}
		}
		return false
	})

	w.Stop()
	if err := os.MkdirAll(filepath.Join(dir, "late"), 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if names := rec.take(); len(names) != 0 {
		t.Errorf("callbacks after Stop: %v", names)
	}
}

func TestSchedulerFollowsSettingsFiles(t *testing.T) {
	root := t.TempDir()
	catalog, err := jobs.NewCatalog(root, jobs.DefaultScriptHosts())
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(catalog.Dir(jobs.Triggered), "report")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte("true"), 0644); err != nil {
		t.Fatal(err)
	}
	settings := filepath.Join(dir, jobs.SettingsFileName)
	if err := os.WriteFile(settings, []byte(`{"schedule": "@daily"}`), 0644); err != nil {
		t.Fatal(err)
	}

	fj := &catalogJobs{fakeJobs: newFakeJobs(), catalog: catalog}
	fj.lastRun["report"] = time.Now().UTC()
	s := newScheduler(t, fj, Options{
		Dir:      catalog.Dir(jobs.Triggered),
		List:     func() ([]string, error) { return catalog.Names(jobs.Triggered) },
		Debounce: 20 * time.Millisecond,
	})

	if snaps := s.Schedules(); len(snaps) != 1 || snaps[0].Schedule != "@daily" {
		t.Fatalf("Schedules() after Start = %+v, want report @daily", snaps)
	}

	if err := os.WriteFile(settings, []byte(`{"schedule": "@weekly"}`), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		snaps := s.Schedules()
		return len(snaps) == 1 && snaps[0].Schedule == "@weekly"
	})

	if err := os.WriteFile(settings, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(s.Schedules()) == 0 })
}

// catalogJobs reads job settings from disk.
type catalogJobs struct {
	*fakeJobs
	catalog *jobs.Catalog
}

func (c *catalogJobs) GetJob(name string) (*jobs.Job, error) {
	return c.catalog.Get(jobs.Triggered, name)
}
