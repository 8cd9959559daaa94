package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/remote"
)

// HTTPTransport follows the service's event stream and falls back to polling
// the status endpoint when the stream is unavailable or ends early.
type HTTPTransport struct {
	client *remote.Client
	logger *slog.Logger
}

func NewHTTPTransport(client *remote.Client, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{client: client, logger: logger}
}

func (t *HTTPTransport) Subscribe(ctx context.Context, req Request, sink Sink) (Subscription, error) {
	if strings.TrimSpace(req.ServiceURL) == "" {
		return nil, common.ErrInvalidServiceURL
	}
	h, hctx := NewHandle(ctx)
	go func() {
		h.Finish(t.run(hctx, req, sink))
	}()
	return h, nil
}

func (t *HTTPTransport) run(ctx context.Context, req Request, sink Sink) error {
	tgt := remote.Target{ServiceURL: req.ServiceURL, JobID: req.JobID, Credential: req.Credential}

	terminal, err := t.stream(ctx, tgt, sink)
	if terminal || ctx.Err() != nil {
		return nil
	}

	msg := "event stream closed, falling back to polling"
	if err != nil {
		msg = fmt.Sprintf("event stream unavailable, falling back to polling: %v", err)
	}
	t.logger.Info("watch fallback", "job_id", req.JobID, "err", err)
	sink(jobs.Diagnostic(req.JobID, msg))

	return t.poll(ctx, tgt, PollInterval(req.PollInterval), sink)
}

func (t *HTTPTransport) stream(ctx context.Context, tgt remote.Target, sink Sink) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs := t.client.StreamEvents(sctx, tgt)
	for e := range events {
		u, err := jobs.NormalizeEvent(e)
		if err != nil {
			t.logger.Warn("dropped pushed event", "job_id", tgt.JobID, "err", err)
			continue
		}
		sink(u)
		if u.Status.Terminal() {
			return true, nil
		}
	}
	return false, <-errs
}

func (t *HTTPTransport) poll(ctx context.Context, tgt remote.Target, interval time.Duration, sink Sink) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		snap, err := t.client.FetchStatus(ctx, tgt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var se *remote.StatusError
			if errors.As(err, &se) && se.Code == http.StatusNotFound {
				sink(jobs.SystemError(tgt.JobID, "job is unknown to the service"))
			}
			return err
		}

		u, err := jobs.NormalizePoll(snap)
		if err != nil {
			t.logger.Warn("dropped polled snapshot", "job_id", tgt.JobID, "err", err)
		} else {
			sink(u)
			if u.Status.Terminal() {
				return nil
			}
		}
		timer.Reset(interval)
	}
}
