package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/upscale-tracker/internal/artifact"
	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/prefs"
	"github.com/suPer8Hu/upscale-tracker/internal/readiness"
	"github.com/suPer8Hu/upscale-tracker/internal/remote"
	"github.com/suPer8Hu/upscale-tracker/internal/watch"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := prefs.Migrate(db); err != nil {
		t.Fatalf("automigrate prefs: %v", err)
	}
	return db
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRemote struct {
	mu        sync.Mutex
	nextID    string
	created   []remote.CreateRequest
	resumed   []string
	cancelled []string
	failFor   map[string]error
	status    map[string]jobs.Snapshot
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nextID: "job-new", failFor: map[string]error{}, status: map[string]jobs.Snapshot{}}
}

func (f *fakeRemote) CreateJob(ctx context.Context, serviceURL, credential string, req remote.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor["create"]; err != nil {
		return "", err
	}
	f.created = append(f.created, req)
	return f.nextID, nil
}

func (f *fakeRemote) FetchStatus(ctx context.Context, t remote.Target) (jobs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[t.JobID]; err != nil {
		return jobs.Snapshot{}, err
	}
	return f.status[t.JobID], nil
}

func (f *fakeRemote) Resume(ctx context.Context, t remote.Target, jc jobs.Context) (jobs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[t.JobID]; err != nil {
		return jobs.Snapshot{}, err
	}
	f.resumed = append(f.resumed, t.JobID)
	return jobs.Snapshot{JobID: t.JobID, Status: "PENDING"}, nil
}

func (f *fakeRemote) Cancel(ctx context.Context, t remote.Target) (jobs.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[t.JobID]; err != nil {
		return jobs.Snapshot{}, err
	}
	f.cancelled = append(f.cancelled, t.JobID)
	msg := "Cancelled by user"
	return jobs.Snapshot{JobID: t.JobID, Status: "FAILED", Message: &msg}, nil
}

type recordingWatcher struct {
	mu    sync.Mutex
	calls []string
}

func (w *recordingWatcher) Subscribe(ctx context.Context, jobID string, opts watch.Options) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, fmt.Sprintf("%s silent=%v", jobID, opts.Silent))
	return nil
}

type harness struct {
	svc     *Service
	store   *jobs.Store
	remote  *fakeRemote
	watcher *recordingWatcher
	outcome *readiness.Outcome
	repo    *Repo
	prefs   prefs.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := openTestDB(t)
	sealer, err := NewSealer("test-secret")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	h := &harness{
		store:   jobs.NewStore(),
		remote:  newFakeRemote(),
		watcher: &recordingWatcher{},
		outcome: &readiness.Outcome{},
		repo:    NewRepo(db, sealer),
		prefs:   prefs.NewDBStore(db),
	}
	h.svc = NewService(Config{
		Store:       h.store,
		Remote:      h.remote,
		Watcher:     h.watcher,
		Outcome:     h.outcome,
		Gate:        readiness.NewGate(h.outcome, nil),
		Validator:   artifact.NewValidator(remote.NewClient(0), artifact.Config{Logger: quietLogger()}),
		Repo:        h.repo,
		Prefs:       h.prefs,
		DownloadDir: t.TempDir(),
		Logger:      quietLogger(),
	})
	return h
}

func (h *harness) seed(t *testing.T, id string, status jobs.Status) {
	t.Helper()
	if _, err := h.store.Merge(jobs.Update{
		JobID:     id,
		Status:    status,
		Transport: jobs.TransportPush,
		Context:   jobs.Context{ServiceURL: "http://upscaler.local", InputPath: "/in/" + id},
	}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func (h *harness) blockReadiness() {
	h.outcome.Set(&readiness.RenameOutcome{Directory: "/out", SplitManualOverrides: true, SplitWorkspace: "/ws"})
}

func TestBatchResume_FailureOfOneJobDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"j1", "j2", "j3"} {
		h.seed(t, id, jobs.StatusRunning)
	}
	h.remote.failFor["j2"] = errors.New("connection refused")

	s := h.svc.BatchResume(context.Background(), []string{"j1", "j2", "j3"})
	if s.Succeeded != 2 || s.Failed != 1 || s.Total != 3 {
		t.Fatalf("summary = %+v", s)
	}
	rec, _ := h.store.Get("j2")
	if rec.Message != nil {
		t.Fatalf("silent batch left a diagnostic: %q", *rec.Message)
	}
	if len(h.watcher.calls) != 2 || !strings.Contains(h.watcher.calls[0], "silent=true") {
		t.Fatalf("watch calls = %v", h.watcher.calls)
	}
}

func TestResume_NonSilentFailureLeavesDiagnostic(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "j1", jobs.StatusError)
	h.remote.failFor["j1"] = errors.New("connection refused")

	_, err := h.svc.Resume(context.Background(), "j1", false)
	if !common.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	rec, _ := h.store.Get("j1")
	if rec.Message == nil || !strings.Contains(*rec.Message, "resume failed") {
		t.Fatalf("diagnostic missing: %+v", rec.Message)
	}
	if rec.Status != jobs.StatusError {
		t.Fatalf("status changed to %s", rec.Status)
	}
}

func TestResume_TerminalJobIsRejected(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "done", jobs.StatusSuccess)
	if _, err := h.svc.Resume(context.Background(), "done", false); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	s := h.svc.BatchResume(context.Background(), []string{"done"})
	if s.Skipped != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestReadiness_BlocksGuardedActionsEvenWhenSilent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "j1", jobs.StatusRunning)
	h.seed(t, "j2", jobs.StatusRunning)
	h.blockReadiness()

	if _, err := h.svc.CreateJob(context.Background(), CreateInput{ServiceURL: "http://upscaler.local", InputPath: "/in"}, true); !common.IsReadiness(err) {
		t.Fatalf("create: expected readiness error, got %v", err)
	}
	if _, err := h.svc.Resume(context.Background(), "j1", true); !common.IsReadiness(err) {
		t.Fatalf("resume: expected readiness error, got %v", err)
	}
	if _, err := h.svc.Download(context.Background(), "j1", "", true); !common.IsReadiness(err) {
		t.Fatalf("download: expected readiness error, got %v", err)
	}

	s := h.svc.BatchResume(context.Background(), []string{"j1", "j2"})
	if s.Blocked == "" || s.Succeeded != 0 || s.Skipped != 2 {
		t.Fatalf("summary = %+v", s)
	}
	if len(h.remote.resumed) != 0 {
		t.Fatalf("remote resumed %v", h.remote.resumed)
	}

	// cancel is not guarded
	if _, err := h.svc.Cancel(context.Background(), "j1", true); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r := h.svc.Readiness(context.Background()); r.OK {
		t.Fatalf("readiness reported ok")
	}
}

func TestCreateJob_RecordsSubmissionAndPreferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	params := jobs.DefaultParams()
	params.Scale = 4

	rec, err := h.svc.CreateJob(ctx, CreateInput{
		ServiceURL: "http://upscaler.local",
		Credential: "token-1",
		InputPath:  "/in/vol1",
		InputType:  "folder",
		Params:     &params,
		Metadata:   &jobs.Metadata{Title: "Sky", Volume: "1"},
	}, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.JobID != "job-new" || rec.Status != jobs.StatusPending || rec.Transport != jobs.TransportLocal {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Params == nil || rec.Params.Scale != 4 || !rec.HasCredential() {
		t.Fatalf("context not kept: %+v", rec)
	}
	if len(h.watcher.calls) != 1 || h.watcher.calls[0] != "job-new silent=false" {
		t.Fatalf("watch calls = %v", h.watcher.calls)
	}

	urls, err := prefs.ServiceURLs(ctx, h.prefs)
	if err != nil || len(urls) != 1 || urls[0] != "http://upscaler.local" {
		t.Fatalf("service urls = %v (%v)", urls, err)
	}
	last, err := prefs.LastParams(ctx, h.prefs)
	if err != nil || last.Scale != 4 {
		t.Fatalf("last params = %+v (%v)", last, err)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.CreateJob(context.Background(), CreateInput{InputPath: "/in"}, false); !errors.Is(err, common.ErrInvalidServiceURL) {
		t.Fatalf("expected invalid service url, got %v", err)
	}
	h.remote.failFor["create"] = errors.New("dial tcp: refused")
	if _, err := h.svc.CreateJob(context.Background(), CreateInput{ServiceURL: "http://x", InputPath: "/in"}, false); !common.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestCancel_MergesFailedStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "j1", jobs.StatusRunning)
	rec, err := h.svc.Cancel(context.Background(), "j1", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Status != jobs.StatusFailed || rec.Transport != jobs.TransportLocal {
		t.Fatalf("record = %+v", rec)
	}
	s := h.svc.BatchCancel(context.Background(), []string{"j1"})
	if s.Skipped != 1 {
		t.Fatalf("terminal job not skipped: %+v", s)
	}
}

func TestRefresh_TagsPoll(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "j1", jobs.StatusPending)
	processed, total := 3, 10
	h.remote.status["j1"] = jobs.Snapshot{JobID: "j1", Status: "RUNNING", Processed: &processed, Total: &total}

	rec, err := h.svc.Refresh(context.Background(), "j1", false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.Status != jobs.StatusRunning || rec.Transport != jobs.TransportPoll || rec.Processed != 3 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRefresh_NotFoundMarksError(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "j1", jobs.StatusRunning)
	h.remote.failFor["j1"] = &remote.StatusError{Code: 404}

	if _, err := h.svc.Refresh(context.Background(), "j1", true); !common.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	rec, _ := h.store.Get("j1")
	if rec.Status != jobs.StatusError {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestUnknownJob(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Resume(context.Background(), "nope", false); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := h.svc.Watch(context.Background(), "nope", false); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRenameOutcome_PersistsAcrossRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.SetRenameOutcome(ctx, &readiness.RenameOutcome{Directory: "/out", SplitManualOverrides: true})

	other := NewService(Config{
		Store:     jobs.NewStore(),
		Remote:    h.remote,
		Watcher:   h.watcher,
		Validator: artifact.NewValidator(remote.NewClient(0), artifact.Config{}),
		Repo:      h.repo,
		Prefs:     h.prefs,
		Logger:    quietLogger(),
	})
	if _, err := other.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if o := other.RenameOutcome(); o == nil || !o.SplitManualOverrides {
		t.Fatalf("outcome = %+v", o)
	}
	if r := other.Readiness(ctx); r.OK {
		t.Fatalf("expected restored outcome to block")
	}

	h.svc.SetRenameOutcome(ctx, nil)
	if r := h.svc.Readiness(ctx); !r.OK {
		t.Fatalf("cleared outcome still blocks: %s", r.Reason)
	}
}

func TestReset_ClearsStoreAndDatabase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "j1", jobs.StatusRunning)
	rec, _ := h.store.Get("j1")
	if err := h.repo.SaveJob(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := h.svc.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("store not empty")
	}
	loaded, err := h.repo.LoadJobs(ctx)
	if err != nil || len(loaded) != 0 {
		t.Fatalf("repo still has %d jobs (%v)", len(loaded), err)
	}
}

type failingWatcher struct{}

func (failingWatcher) Subscribe(ctx context.Context, jobID string, opts watch.Options) error {
	return errors.New("stream unavailable")
}

func TestResume_WatchFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.svc.watcher = failingWatcher{}
	h.seed(t, "j1", jobs.StatusError)
	h.seed(t, "j2", jobs.StatusError)

	rec, err := h.svc.Resume(context.Background(), "j1", false)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Status != jobs.StatusPending {
		t.Fatalf("status = %s", rec.Status)
	}

	s := h.svc.BatchResume(context.Background(), []string{"j2"})
	if s.Succeeded != 1 || s.Failed != 0 {
		t.Fatalf("summary = %+v", s)
	}
}
