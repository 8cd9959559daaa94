package jobs

import (
	"errors"
	"strings"
)

// ErrMissingJobID is returned for payloads that cannot be keyed; callers drop them.
var ErrMissingJobID = errors.New("job update without jobId")

// NormalizeEvent maps a pushed event. The source's own transport tag wins,
// anything unrecognised is treated as push.
func NormalizeEvent(e Event) (Update, error) {
	t, ok := ParseTransport(e.Transport)
	if !ok {
		t = TransportPush
	}
	return fromEvent(e, t)
}

// NormalizePoll maps a status snapshot fetched by polling.
func NormalizePoll(s Snapshot) (Update, error) {
	return fromEvent(s, TransportPoll)
}

// NormalizeLocal maps the snapshot returned by a local action (resume, cancel).
func NormalizeLocal(s Snapshot) (Update, error) {
	return fromEvent(s, TransportLocal)
}

func fromEvent(e Event, t Transport) (Update, error) {
	id := strings.TrimSpace(e.JobID)
	if id == "" {
		return Update{}, ErrMissingJobID
	}
	u := Update{
		JobID:        id,
		Processed:    nonNegative(e.Processed),
		Total:        nonNegative(e.Total),
		ArtifactPath: e.ArtifactPath,
		Message:      e.Message,
		Error:        e.Error,
		LastError:    e.LastError,
		Transport:    t,
		Retries:      nonNegative(e.Retries),
		ArtifactHash: e.ArtifactHash,
		Params:       e.Params,
		Metadata:     e.Metadata,
	}
	if e.Status != "" {
		u.Status = ParseStatus(e.Status)
	}
	return u, nil
}

func nonNegative(v *int) *int {
	if v == nil || *v >= 0 {
		return v
	}
	zero := 0
	return &zero
}

// Submitted is the local confirmation that the service accepted a job.
func Submitted(jobID string, ctx Context, p Params, md *Metadata) Update {
	zero := 0
	return Update{
		JobID:     jobID,
		Status:    StatusPending,
		Processed: &zero,
		Total:     &zero,
		Transport: TransportLocal,
		Params:    &p,
		Metadata:  md,
		Context:   ctx,
	}
}

// Diagnostic appends a message without touching the reported state.
func Diagnostic(jobID, msg string) Update {
	return Update{
		JobID:     jobID,
		Message:   &msg,
		Transport: TransportLocal,
	}
}

// SystemError marks a job as errored locally, e.g. when every watch channel is gone.
func SystemError(jobID, msg string) Update {
	return Update{
		JobID:     jobID,
		Status:    StatusError,
		Message:   &msg,
		Error:     &msg,
		Transport: TransportLocal,
	}
}

// Event converts a record back to its wire shape for fan-out.
func (r Record) Event() Event {
	processed, total, retries := r.Processed, r.Total, r.Retries
	return Event{
		JobID:        r.JobID,
		Status:       string(r.Status),
		Processed:    &processed,
		Total:        &total,
		ArtifactPath: r.ArtifactPath,
		Message:      r.Message,
		Transport:    string(r.Transport),
		Error:        r.Error,
		Retries:      &retries,
		LastError:    r.LastError,
		ArtifactHash: r.ArtifactHash,
		Params:       r.Params,
		Metadata:     r.Metadata,
	}
}
