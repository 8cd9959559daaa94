package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/suPer8Hu/upscale-tracker/internal/artifact"
	"github.com/suPer8Hu/upscale-tracker/internal/batch"
	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/prefs"
	"github.com/suPer8Hu/upscale-tracker/internal/readiness"
	"github.com/suPer8Hu/upscale-tracker/internal/remote"
	"github.com/suPer8Hu/upscale-tracker/internal/watch"
)

// ErrTerminal rejects actions that cannot change a finished job.
var ErrTerminal = fmt.Errorf("%w: job already finished", common.ErrInvalidInput)

// Remote is the upscale service as seen by the tracker.
type Remote interface {
	CreateJob(ctx context.Context, serviceURL, credential string, req remote.CreateRequest) (string, error)
	FetchStatus(ctx context.Context, t remote.Target) (jobs.Snapshot, error)
	Resume(ctx context.Context, t remote.Target, jc jobs.Context) (jobs.Snapshot, error)
	Cancel(ctx context.Context, t remote.Target) (jobs.Snapshot, error)
}

type Watcher interface {
	Subscribe(ctx context.Context, jobID string, opts watch.Options) error
}

type Config struct {
	Store     *jobs.Store
	Remote    Remote
	Watcher   Watcher
	Gate      *readiness.Gate
	Outcome   *readiness.Outcome
	Validator *artifact.Validator
	Batch     *batch.Coordinator

	// Optional collaborators
	Repo      *Repo
	Persister *Persister
	Prefs     prefs.Store

	DownloadDir string
	Logger      *slog.Logger
}

// Service is the single entry point for user and batch actions on jobs.
// Every action takes silent: silent callers get errors back but no
// diagnostics are added to the job record.
type Service struct {
	store       *jobs.Store
	remote      Remote
	watcher     Watcher
	gate        *readiness.Gate
	outcome     *readiness.Outcome
	validator   *artifact.Validator
	batch       *batch.Coordinator
	repo        *Repo
	persister   *Persister
	prefs       prefs.Store
	downloadDir string
	logger      *slog.Logger
}

func NewService(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		remote:      cfg.Remote,
		watcher:     cfg.Watcher,
		gate:        cfg.Gate,
		outcome:     cfg.Outcome,
		validator:   cfg.Validator,
		batch:       cfg.Batch,
		repo:        cfg.Repo,
		persister:   cfg.Persister,
		prefs:       cfg.Prefs,
		downloadDir: cfg.DownloadDir,
		logger:      cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.outcome == nil {
		s.outcome = &readiness.Outcome{}
	}
	if s.gate == nil {
		s.gate = readiness.NewGate(s.outcome, nil)
	}
	if s.batch == nil {
		s.batch = batch.NewCoordinator(s.logger)
	}
	if s.downloadDir == "" {
		s.downloadDir = "downloads"
	}
	return s
}

// Restore loads persisted records and the last rename outcome.
func (s *Service) Restore(ctx context.Context) (int, error) {
	n := 0
	if s.repo != nil {
		recs, err := s.repo.LoadJobs(ctx)
		if err != nil {
			return 0, fmt.Errorf("load jobs: %w", err)
		}
		n = s.store.Restore(recs)
	}
	if s.prefs != nil {
		var o *readiness.RenameOutcome
		if _, err := s.prefs.Load(ctx, prefs.KeyRenameOutcome, &o); err != nil {
			s.logger.Warn("load rename outcome failed", "err", err)
		} else if o != nil {
			s.outcome.Set(o)
		}
	}
	return n, nil
}

type CreateInput struct {
	ServiceURL   string         `json:"serviceUrl"`
	Credential   string         `json:"credential,omitempty"`
	InputPath    string         `json:"inputPath"`
	InputType    string         `json:"inputType"`
	ManifestPath string         `json:"manifestPath,omitempty"`
	Params       *jobs.Params   `json:"params,omitempty"`
	Metadata     *jobs.Metadata `json:"metadata,omitempty"`
}

// CreateJob submits a new job, records it and starts watching it.
func (s *Service) CreateJob(ctx context.Context, in CreateInput, silent bool) (jobs.Record, error) {
	if err := s.gate.Check(ctx); err != nil {
		return jobs.Record{}, err
	}
	if strings.TrimSpace(in.ServiceURL) == "" {
		return jobs.Record{}, common.ErrInvalidServiceURL
	}
	if strings.TrimSpace(in.InputPath) == "" {
		return jobs.Record{}, fmt.Errorf("%w: input path is required", common.ErrInvalidInput)
	}

	params := jobs.DefaultParams()
	if in.Params != nil {
		params = *in.Params
	}

	id, err := s.remote.CreateJob(ctx, in.ServiceURL, in.Credential, remote.CreateRequest{
		InputPath:    in.InputPath,
		InputType:    in.InputType,
		ManifestPath: in.ManifestPath,
		Params:       params,
		Metadata:     in.Metadata,
	})
	if err != nil {
		s.logger.Warn("create job failed", "service_url", in.ServiceURL, "silent", silent, "err", err)
		return jobs.Record{}, common.TransportError("create", "", err)
	}

	jc := jobs.Context{
		ServiceURL:   in.ServiceURL,
		Credential:   in.Credential,
		InputPath:    in.InputPath,
		InputType:    in.InputType,
		ManifestPath: in.ManifestPath,
	}
	rec, err := s.store.Merge(jobs.Submitted(id, jc, params, in.Metadata))
	if err != nil {
		return jobs.Record{}, err
	}
	s.logger.Info("job created", "job_id", id, "service_url", in.ServiceURL)

	s.remember(ctx, in.ServiceURL, params)

	if err := s.watcher.Subscribe(ctx, id, watch.Options{Silent: silent}); err != nil {
		// the job exists remotely; the staleness monitor keeps it fresh
		s.logger.Warn("watch after create failed", "job_id", id, "err", err)
	}
	return s.current(rec), nil
}

func (s *Service) remember(ctx context.Context, serviceURL string, p jobs.Params) {
	if s.prefs == nil {
		return
	}
	if err := prefs.RememberServiceURL(ctx, s.prefs, serviceURL); err != nil {
		s.logger.Warn("remember service url failed", "err", err)
	}
	if err := prefs.RememberParams(ctx, s.prefs, p); err != nil {
		s.logger.Warn("remember params failed", "err", err)
	}
}

// Resume asks the service to re-run a job and re-subscribes to it.
func (s *Service) Resume(ctx context.Context, jobID string, silent bool) (jobs.Record, error) {
	rec, err := s.Job(jobID)
	if err != nil {
		return jobs.Record{}, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("resume job %s: %w", jobID, ErrTerminal)
	}
	if err := s.gate.Check(ctx); err != nil {
		return rec, err
	}

	snap, err := s.remote.Resume(ctx, remote.TargetOf(rec), rec.Context)
	if err != nil {
		return rec, s.transportFailed(jobID, "resume", err, silent)
	}
	out, err := s.mergeSnapshot(jobID, snap, jobs.NormalizeLocal)
	if err != nil {
		return rec, err
	}
	if err := s.watcher.Subscribe(ctx, jobID, watch.Options{Silent: silent}); err != nil {
		// the resume went through; the staleness monitor keeps the job fresh
		s.logger.Warn("watch after resume failed", "job_id", jobID, "err", err)
	}
	return s.current(out), nil
}

func (s *Service) Cancel(ctx context.Context, jobID string, silent bool) (jobs.Record, error) {
	rec, err := s.Job(jobID)
	if err != nil {
		return jobs.Record{}, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("cancel job %s: %w", jobID, ErrTerminal)
	}
	snap, err := s.remote.Cancel(ctx, remote.TargetOf(rec))
	if err != nil {
		return rec, s.transportFailed(jobID, "cancel", err, silent)
	}
	return s.mergeSnapshot(jobID, snap, jobs.NormalizeLocal)
}

// Refresh polls the job status once.
func (s *Service) Refresh(ctx context.Context, jobID string, silent bool) (jobs.Record, error) {
	rec, err := s.Job(jobID)
	if err != nil {
		return jobs.Record{}, err
	}
	snap, err := s.remote.FetchStatus(ctx, remote.TargetOf(rec))
	if err != nil {
		var se *remote.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			if _, mErr := s.store.Merge(jobs.SystemError(jobID, "job not found on the service")); mErr != nil {
				s.logger.Warn("dropped system error", "job_id", jobID, "err", mErr)
			}
		}
		return rec, s.transportFailed(jobID, "refresh", err, silent)
	}
	return s.mergeSnapshot(jobID, snap, jobs.NormalizePoll)
}

// Watch (re)starts the live subscription of a job.
func (s *Service) Watch(ctx context.Context, jobID string, silent bool) error {
	if _, err := s.Job(jobID); err != nil {
		return err
	}
	return s.watcher.Subscribe(ctx, jobID, watch.Options{Silent: silent})
}

// Download fetches the artifact into targetDir, or the configured download dir.
func (s *Service) Download(ctx context.Context, jobID, targetDir string, silent bool) (*artifact.DownloadSummary, error) {
	rec, err := s.Job(jobID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Check(ctx); err != nil {
		return nil, err
	}
	out, err := s.validator.Download(ctx, rec, s.targetDir(targetDir))
	if err != nil {
		return nil, s.artifactFailed(jobID, "download", err, silent)
	}
	s.recordHash(jobID, out.Hash, fmt.Sprintf("artifact saved to %s", out.ArchivePath), silent)
	return out, nil
}

// Validate downloads the artifact and checks it against the manifest. The
// report is kept in history and persisted when a repo is configured.
func (s *Service) Validate(ctx context.Context, jobID, targetDir, manifestPath string, silent bool) (*artifact.Report, error) {
	rec, err := s.Job(jobID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Check(ctx); err != nil {
		return nil, err
	}
	r, err := s.validator.Validate(ctx, rec, artifact.ValidateOptions{
		TargetDir:    s.targetDir(targetDir),
		ManifestPath: s.manifestFor(rec, manifestPath),
		Silent:       silent,
	})
	if err != nil {
		return nil, s.artifactFailed(jobID, "validate", err, silent)
	}
	if s.repo != nil {
		if err := s.repo.SaveReport(ctx, r); err != nil {
			s.logger.Warn("persist report failed", "job_id", jobID, "report_id", r.ID, "err", err)
		}
	}
	msg := fmt.Sprintf("validation: %d matched, %d missing, %d extra, %d mismatched",
		r.Summary.Matched, r.Summary.Missing, r.Summary.Extra, r.Summary.Mismatched)
	s.recordHash(jobID, r.Hash, msg, silent)
	return r, nil
}

// manifestFor picks the explicit path, then the job's own, then the one the
// rename pipeline produced. Empty leaves the choice to the validator.
func (s *Service) manifestFor(rec jobs.Record, explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(rec.ManifestPath); p != "" {
		return p
	}
	if o := s.outcome.Get(); o != nil {
		return strings.TrimSpace(o.ManifestPath)
	}
	return ""
}

func (s *Service) targetDir(dir string) string {
	if strings.TrimSpace(dir) == "" {
		return s.downloadDir
	}
	return dir
}

func (s *Service) recordHash(jobID, hash, msg string, silent bool) {
	u := jobs.Update{JobID: jobID, Transport: jobs.TransportLocal}
	if hash != "" {
		u.ArtifactHash = &hash
	}
	if !silent {
		u.Message = &msg
	}
	if _, err := s.store.Merge(u); err != nil {
		s.logger.Warn("record artifact hash failed", "job_id", jobID, "err", err)
	}
}

func (s *Service) BatchResume(ctx context.Context, ids []string) batch.Summary {
	return s.batch.Run(ctx, "resume", ids, func(ctx context.Context, id string) error {
		if rec, ok := s.store.Get(id); ok && rec.Status.Terminal() {
			return batch.ErrSkip
		}
		_, err := s.Resume(ctx, id, true)
		return err
	})
}

func (s *Service) BatchCancel(ctx context.Context, ids []string) batch.Summary {
	return s.batch.Run(ctx, "cancel", ids, func(ctx context.Context, id string) error {
		if rec, ok := s.store.Get(id); ok && rec.Status.Terminal() {
			return batch.ErrSkip
		}
		_, err := s.Cancel(ctx, id, true)
		return err
	})
}

func (s *Service) BatchDownload(ctx context.Context, ids []string, targetDir string) batch.Summary {
	return s.batch.Run(ctx, "download", ids, func(ctx context.Context, id string) error {
		if rec, ok := s.store.Get(id); ok && (rec.Status != jobs.StatusSuccess || rec.ArtifactPath == nil) {
			return batch.ErrSkip
		}
		_, err := s.Download(ctx, id, targetDir, true)
		return err
	})
}

func (s *Service) Jobs(f jobs.Filter) []jobs.Record {
	return s.store.List(f)
}

func (s *Service) Job(jobID string) (jobs.Record, error) {
	rec, ok := s.store.Get(jobID)
	if !ok {
		return jobs.Record{}, fmt.Errorf("%w: job %s", common.ErrNotFound, jobID)
	}
	return rec, nil
}

// Subscribe registers l for every merged record. l may read jobs but must
// not merge, subscribe or unsubscribe.
func (s *Service) Subscribe(l jobs.Listener) (cancel func()) {
	return s.store.Subscribe(l)
}

// Reports lists the in-memory report history, newest first.
func (s *Service) Reports() []*artifact.Report {
	return s.validator.History().List()
}

// Report looks a report up in history first, then in the database.
func (s *Service) Report(ctx context.Context, id string) (*artifact.Report, error) {
	if r, ok := s.validator.History().Get(id); ok {
		return r, nil
	}
	if s.repo == nil {
		return nil, fmt.Errorf("%w: report %s", common.ErrNotFound, id)
	}
	r, err := s.repo.GetReport(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", id, err)
	}
	return r, nil
}

type Preferences struct {
	ServiceURLs []string    `json:"serviceUrls"`
	LastParams  jobs.Params `json:"lastParams"`
}

// Preferences returns the remembered service URLs and submission params.
func (s *Service) Preferences(ctx context.Context) (Preferences, error) {
	out := Preferences{ServiceURLs: []string{}, LastParams: jobs.DefaultParams()}
	if s.prefs == nil {
		return out, nil
	}
	urls, err := prefs.ServiceURLs(ctx, s.prefs)
	if err != nil {
		return out, err
	}
	if urls != nil {
		out.ServiceURLs = urls
	}
	if out.LastParams, err = prefs.LastParams(ctx, s.prefs); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Service) Readiness(ctx context.Context) readiness.Result {
	return s.gate.Evaluate(ctx)
}

func (s *Service) RenameOutcome() *readiness.RenameOutcome {
	return s.outcome.Get()
}

// SetRenameOutcome records the outcome the readiness gate evaluates against.
// A nil outcome lifts the manual override requirement.
func (s *Service) SetRenameOutcome(ctx context.Context, o *readiness.RenameOutcome) {
	s.outcome.Set(o)
	if s.prefs == nil {
		return
	}
	if err := s.prefs.Save(ctx, prefs.KeyRenameOutcome, o); err != nil {
		s.logger.Warn("persist rename outcome failed", "err", err)
	}
}

// Reset starts a new task: every record and report is forgotten. In-flight
// subscriptions are left running; their late updates recreate records.
func (s *Service) Reset(ctx context.Context) error {
	s.store.Reset()
	s.validator.History().Clear()
	if s.repo == nil {
		if s.persister != nil {
			s.persister.Discard()
		}
		return nil
	}
	clearJobs := func(ctx context.Context) error {
		if err := s.repo.ClearJobs(ctx); err != nil {
			return fmt.Errorf("clear jobs: %w", err)
		}
		return nil
	}
	if s.persister != nil {
		if err := s.persister.Reset(ctx, clearJobs); err != nil {
			return err
		}
	} else if err := clearJobs(ctx); err != nil {
		return err
	}
	if err := s.repo.ClearReports(ctx); err != nil {
		return fmt.Errorf("clear reports: %w", err)
	}
	s.logger.Info("tracker reset")
	return nil
}

func (s *Service) mergeSnapshot(jobID string, snap jobs.Snapshot, normalize func(jobs.Snapshot) (jobs.Update, error)) (jobs.Record, error) {
	if snap.JobID == "" {
		snap.JobID = jobID
	}
	u, err := normalize(snap)
	if err != nil {
		return jobs.Record{}, err
	}
	return s.store.Merge(u)
}

// transportFailed tags a remote failure and, unless silent, leaves a
// diagnostic on the job record.
func (s *Service) transportFailed(jobID, op string, err error, silent bool) error {
	s.logger.Warn(op+" failed", "job_id", jobID, "silent", silent, "err", err)
	if !silent {
		if _, mErr := s.store.Merge(jobs.Diagnostic(jobID, fmt.Sprintf("%s failed: %v", op, err))); mErr != nil {
			s.logger.Warn("dropped diagnostic", "job_id", jobID, "err", mErr)
		}
	}
	if common.IsTransport(err) {
		return err
	}
	return common.TransportError(op, jobID, err)
}

// artifactFailed only routes transport failures through transportFailed;
// local precondition and file errors are returned as is.
func (s *Service) artifactFailed(jobID, op string, err error, silent bool) error {
	if common.IsTransport(err) {
		return s.transportFailed(jobID, op, err, silent)
	}
	s.logger.Warn(op+" failed", "job_id", jobID, "err", err)
	return err
}

func (s *Service) current(fallback jobs.Record) jobs.Record {
	if rec, ok := s.store.Get(fallback.JobID); ok {
		return rec
	}
	return fallback
}
