package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

type Options struct {
	// Silent suppresses user-visible diagnostics; failures are still logged and returned.
	Silent bool
}

// markers is the part of the staleness monitor the supervisor needs.
type markers interface {
	Clear(jobID string)
}

type SupervisorConfig struct {
	Store        *jobs.Store
	Transport    Transport
	Staleness    markers
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Supervisor owns at most one live subscription per job and disposes it once
// the job is terminal.
type Supervisor struct {
	store        *jobs.Store
	transport    Transport
	staleness    markers
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	handles map[string]Subscription
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:        cfg.Store,
		transport:    cfg.Transport,
		staleness:    cfg.Staleness,
		pollInterval: PollInterval(cfg.PollInterval),
		logger:       logger,
		handles:      make(map[string]Subscription),
	}
}

// Subscribe (re)starts the watch for jobID. Terminal jobs are left alone.
// The subscription outlives ctx; it ends on a terminal status, Unsubscribe or Close.
func (s *Supervisor) Subscribe(ctx context.Context, jobID string, opts Options) error {
	rec, ok := s.store.Get(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s", common.ErrNotFound, jobID)
	}
	if rec.Status.Terminal() {
		s.clearMarker(jobID)
		s.Unsubscribe(jobID)
		return nil
	}

	s.Unsubscribe(jobID)

	req := Request{
		ServiceURL:   rec.ServiceURL,
		JobID:        rec.JobID,
		Credential:   rec.Credential,
		PollInterval: s.pollInterval,
	}
	sub, err := s.transport.Subscribe(context.WithoutCancel(ctx), req, s.sink(jobID, opts))
	if err != nil {
		return s.failed(jobID, opts, err)
	}

	s.mu.Lock()
	prev, had := s.handles[jobID]
	s.handles[jobID] = sub
	s.mu.Unlock()
	if had {
		prev.Close()
	}
	s.logger.Debug("watch started", "job_id", jobID, "subscription", sub.ID())

	go s.await(jobID, sub, opts)
	return nil
}

func (s *Supervisor) sink(jobID string, opts Options) Sink {
	return func(u jobs.Update) {
		// transport notices are user-facing; silent watches only log them
		if opts.Silent && u.Transport == jobs.TransportLocal && u.Status == "" {
			s.logger.Debug("suppressed watch notice", "job_id", jobID)
			return
		}
		rec, err := s.store.Merge(u)
		if err != nil {
			s.logger.Warn("dropped job update", "job_id", jobID, "err", err)
			return
		}
		if rec.Status.Terminal() {
			s.clearMarker(rec.JobID)
			s.Unsubscribe(rec.JobID)
		}
	}
}

func (s *Supervisor) await(jobID string, sub Subscription, opts Options) {
	<-sub.Done()
	s.release(jobID, sub)
	if err := sub.Err(); err != nil {
		_ = s.failed(jobID, opts, err)
		return
	}
	s.logger.Debug("watch ended", "job_id", jobID, "subscription", sub.ID())
}

func (s *Supervisor) failed(jobID string, opts Options, err error) error {
	s.logger.Warn("watch failed", "job_id", jobID, "silent", opts.Silent, "err", err)
	if !opts.Silent {
		if _, mErr := s.store.Merge(jobs.Diagnostic(jobID, "watch failed: "+err.Error())); mErr != nil {
			s.logger.Warn("dropped watch diagnostic", "job_id", jobID, "err", mErr)
		}
	}
	return common.TransportError("watch", jobID, err)
}

// release forgets sub if it is still the registered handle for jobID.
func (s *Supervisor) release(jobID string, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[jobID]; ok && cur.ID() == sub.ID() {
		delete(s.handles, jobID)
	}
}

// Unsubscribe disposes the job's subscription, if any.
func (s *Supervisor) Unsubscribe(jobID string) {
	s.mu.Lock()
	sub, ok := s.handles[jobID]
	delete(s.handles, jobID)
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Active lists jobs with a live subscription.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.handles))
	for id := range s.handles {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close disposes every subscription.
func (s *Supervisor) Close() {
	s.mu.Lock()
	subs := s.handles
	s.handles = make(map[string]Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *Supervisor) clearMarker(jobID string) {
	if s.staleness != nil {
		s.staleness.Clear(jobID)
	}
}
