package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

// StreamEvents subscribes to the job's server-sent event stream.
// It returns immediately with two channels; both will be closed when streaming ends.
// A clean end of stream closes events without sending an error.
func (c *Client) StreamEvents(ctx context.Context, t Target) (<-chan jobs.Event, <-chan error) {
	events := make(chan jobs.Event, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		u, err := endpoint(t.ServiceURL, "jobs/"+url.PathEscape(t.JobID)+"/events")
		if err != nil {
			errs <- err
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		authorize(req, t.Credential)

		resp, err := c.Stream.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			errs <- err
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var e jobs.Event
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				errs <- err
				return
			}
			// per-job streams may omit the id; frames without a status are heartbeats
			if e.JobID == "" {
				if e.Status == "" {
					continue
				}
				e.JobID = t.JobID
			}
			select {
			case events <- e:
			case <-ctx.Done():
				return
			}
		}

		if err := sc.Err(); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return events, errs
}
