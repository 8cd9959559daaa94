package watch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/remote"
)

const (
	DefaultCheckInterval  = 5 * time.Second
	DefaultStaleThreshold = 15 * time.Second

	RefreshingMessage = "no update received recently, refreshing status"
)

type StatusFetcher interface {
	FetchStatus(ctx context.Context, t remote.Target) (jobs.Snapshot, error)
}

type StalenessConfig struct {
	CheckInterval  time.Duration
	StaleThreshold time.Duration
	Logger         *slog.Logger
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// StalenessMonitor issues one fallback status fetch per silence episode for
// jobs that have not been updated within the threshold.
type StalenessMonitor struct {
	store     *jobs.Store
	fetcher   StatusFetcher
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger

	sweepMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]uint64
	episode  uint64

	wg     sync.WaitGroup
	cancel func()
}

func NewStalenessMonitor(store *jobs.Store, fetcher StatusFetcher, cfg StalenessConfig) *StalenessMonitor {
	m := &StalenessMonitor{
		store:     store,
		fetcher:   fetcher,
		interval:  cfg.CheckInterval,
		threshold: cfg.StaleThreshold,
		now:       cfg.Now,
		logger:    cfg.Logger,
		inflight:  make(map[string]uint64),
	}
	if m.interval <= 0 {
		m.interval = DefaultCheckInterval
	}
	if m.threshold <= 0 {
		m.threshold = DefaultStaleThreshold
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.cancel = store.Subscribe(m.onMerge)
	return m
}

// onMerge clears the marker as soon as a push or local update lands, so a
// late push does not race a redundant fallback.
func (m *StalenessMonitor) onMerge(rec jobs.Record, u jobs.Update) {
	if u.Transport != jobs.TransportPoll {
		m.Clear(rec.JobID)
	}
}

// Start runs sweeps until ctx is done.
func (m *StalenessMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Info("staleness sweep", "fallback_polls", n)
			}
		}
	}
}

// Sweep checks every job once and returns how many fallback fetches it started.
func (m *StalenessMonitor) Sweep(ctx context.Context) int {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	now := m.now()
	issued := 0
	for _, rec := range m.store.List(jobs.Filter{Class: jobs.ClassAll}) {
		if rec.Status.Terminal() {
			m.Clear(rec.JobID)
			continue
		}
		if strings.TrimSpace(rec.ServiceURL) == "" {
			continue
		}
		if now.Sub(rec.LastUpdated) < m.threshold {
			continue
		}
		if m.InFlight(rec.JobID) {
			continue
		}

		// the notice is a local merge and would clear a marker set before it
		if _, err := m.store.Merge(jobs.Diagnostic(rec.JobID, RefreshingMessage)); err != nil {
			m.logger.Warn("staleness notice dropped", "job_id", rec.JobID, "err", err)
		}
		token := m.mark(rec.JobID)

		m.wg.Add(1)
		go m.fallback(ctx, rec, token)
		issued++
	}
	return issued
}

func (m *StalenessMonitor) fallback(ctx context.Context, rec jobs.Record, token uint64) {
	defer m.wg.Done()

	snap, err := m.fetcher.FetchStatus(ctx, remote.TargetOf(rec))
	m.unmark(rec.JobID, token)

	if err != nil {
		m.logger.Warn("fallback status fetch failed", "job_id", rec.JobID, "err", err)
		if ctx.Err() != nil {
			return
		}
		msg := fmt.Sprintf("status refresh failed: %v", err)
		if _, mErr := m.store.Merge(jobs.Diagnostic(rec.JobID, msg)); mErr != nil {
			m.logger.Warn("staleness diagnostic dropped", "job_id", rec.JobID, "err", mErr)
		}
		return
	}

	u, err := jobs.NormalizePoll(snap)
	if err != nil {
		m.logger.Warn("fallback snapshot dropped", "job_id", rec.JobID, "err", err)
		return
	}
	if _, err := m.store.Merge(u); err != nil {
		m.logger.Warn("fallback merge failed", "job_id", rec.JobID, "err", err)
	}
}

func (m *StalenessMonitor) mark(jobID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episode++
	m.inflight[jobID] = m.episode
	return m.episode
}

// unmark only clears the marker of the episode that set it.
func (m *StalenessMonitor) unmark(jobID string, token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[jobID] == token {
		delete(m.inflight, jobID)
	}
}

func (m *StalenessMonitor) Clear(jobID string) {
	m.mu.Lock()
	delete(m.inflight, jobID)
	m.mu.Unlock()
}

func (m *StalenessMonitor) InFlight(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[jobID]
	return ok
}

// Wait blocks until every started fallback fetch has completed.
func (m *StalenessMonitor) Wait() {
	m.wg.Wait()
}

// Stop detaches the monitor from the store and waits for in-flight fetches.
func (m *StalenessMonitor) Stop() {
	m.cancel()
	m.Wait()
}
