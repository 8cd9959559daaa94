package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

type jobSaver interface {
	SaveJob(ctx context.Context, rec jobs.Record) error
}

// Persister writes merged records to the database off the merge path. Only
// the latest pending state of each job is kept, so a slow database never
// blocks merges and never loses the newest record.
type Persister struct {
	repo   jobSaver
	logger *slog.Logger

	// flushMu is held for a whole flush, so Reset never interleaves with writes.
	flushMu sync.Mutex

	mu      sync.Mutex
	pending map[string]jobs.Record
	wake    chan struct{}
}

func NewPersister(repo jobSaver, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		repo:    repo,
		logger:  logger,
		pending: make(map[string]jobs.Record),
		wake:    make(chan struct{}, 1),
	}
}

// Listen is a jobs.Listener.
func (p *Persister) Listen(rec jobs.Record, _ jobs.Update) {
	p.mu.Lock()
	p.pending[rec.JobID] = rec
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run flushes pending records until ctx is done, then flushes once more.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			p.Flush(fctx)
			cancel()
			return
		case <-p.wake:
			p.Flush(ctx)
		}
	}
}

// Flush writes every pending record. Failed writes are requeued unless a
// newer state arrived meanwhile.
func (p *Persister) Flush(ctx context.Context) int {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]jobs.Record)
	p.mu.Unlock()

	written := 0
	for id, rec := range batch {
		if err := p.repo.SaveJob(ctx, rec); err != nil {
			p.logger.Warn("persist job failed", "job_id", id, "err", err)
			p.mu.Lock()
			if _, newer := p.pending[id]; !newer {
				p.pending[id] = rec
			}
			p.mu.Unlock()
			continue
		}
		written++
	}
	return written
}

// Discard drops pending writes. It waits for a running flush to finish.
func (p *Persister) Discard() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	p.drop()
}

// Reset drops pending writes and runs clear while no flush can start, so
// rows written before the reset cannot outlive it.
func (p *Persister) Reset(ctx context.Context, clear func(context.Context) error) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	p.drop()
	return clear(ctx)
}

func (p *Persister) drop() {
	p.mu.Lock()
	p.pending = make(map[string]jobs.Record)
	p.mu.Unlock()
}
