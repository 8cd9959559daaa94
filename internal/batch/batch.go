package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
)

// ErrSkip marks a job the action chose not to touch.
var ErrSkip = errors.New("batch: skipped")

// Action runs one single-job operation. Batch actions always run silent.
type Action func(ctx context.Context, jobID string) error

type Failure struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

type Summary struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
	// Blocked is set when a readiness check stopped the batch.
	Blocked string `json:"blocked,omitempty"`
}

type Coordinator struct {
	logger *slog.Logger
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// Run applies action to each id in order. Per-job errors are counted and never
// abort the batch, except a readiness violation: the remaining jobs are
// counted as skipped and the reason is reported in Summary.Blocked.
func (c *Coordinator) Run(ctx context.Context, name string, ids []string, action Action) Summary {
	start := time.Now()
	s := Summary{Total: len(ids)}

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			s.Skipped += len(ids) - i
			break
		}

		err := action(ctx, id)
		switch {
		case err == nil:
			s.Succeeded++
		case errors.Is(err, ErrSkip):
			s.Skipped++
		case common.IsReadiness(err):
			s.Blocked = err.Error()
			s.Skipped += len(ids) - i
			c.logger.Warn("batch blocked", "batch", name, "job_id", id, "err", err)
		default:
			s.Failed++
			s.Failures = append(s.Failures, Failure{JobID: id, Error: err.Error()})
			c.logger.Warn("batch job failed", "batch", name, "job_id", id, "err", err)
		}
		if s.Blocked != "" {
			break
		}
	}

	c.logger.Info("batch finished", "batch", name,
		"total", s.Total, "succeeded", s.Succeeded, "skipped", s.Skipped, "failed", s.Failed,
		"cost", time.Since(start))
	return s
}
