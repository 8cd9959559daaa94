package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

// StatusError is a non-2xx answer from the upscale service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upscale service: status %d", e.Code)
	}
	return fmt.Sprintf("upscale service: status %d: %s", e.Code, e.Body)
}

// Target addresses one job on one service.
type Target struct {
	ServiceURL string
	JobID      string
	Credential string
}

func TargetOf(rec jobs.Record) Target {
	return Target{ServiceURL: rec.ServiceURL, JobID: rec.JobID, Credential: rec.Credential}
}

// Client talks to the remote upscale service over HTTP.
type Client struct {
	HTTP *http.Client
	// Stream is used for long-lived event streams; the context bounds it instead of a timeout.
	Stream *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		HTTP:   &http.Client{Timeout: timeout},
		Stream: &http.Client{},
	}
}

type CreateRequest struct {
	InputPath    string         `json:"inputPath,omitempty"`
	InputType    string         `json:"inputType,omitempty"`
	ManifestPath string         `json:"manifestPath,omitempty"`
	Params       jobs.Params    `json:"params"`
	Metadata     *jobs.Metadata `json:"metadata,omitempty"`
}

func (c *Client) CreateJob(ctx context.Context, serviceURL, credential string, req CreateRequest) (string, error) {
	u, err := endpoint(serviceURL, "jobs")
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var sub jobs.Submission
	if err := c.doJSON(ctx, http.MethodPost, u, credential, b, &sub); err != nil {
		return "", err
	}
	if strings.TrimSpace(sub.JobID) == "" {
		return "", errors.New("upscale service: submission without jobId")
	}
	return sub.JobID, nil
}

func (c *Client) FetchStatus(ctx context.Context, t Target) (jobs.Snapshot, error) {
	u, err := endpoint(t.ServiceURL, "jobs/"+url.PathEscape(t.JobID))
	if err != nil {
		return jobs.Snapshot{}, err
	}
	var snap jobs.Snapshot
	err = c.doJSON(ctx, http.MethodGet, u, t.Credential, nil, &snap)
	return withJobID(snap, t.JobID), err
}

// Resume sends the known input context so the service can re-open the job.
func (c *Client) Resume(ctx context.Context, t Target, jc jobs.Context) (jobs.Snapshot, error) {
	u, err := endpoint(t.ServiceURL, "jobs/"+url.PathEscape(t.JobID)+"/resume")
	if err != nil {
		return jobs.Snapshot{}, err
	}
	payload := map[string]string{}
	if jc.InputPath != "" {
		payload["inputPath"] = jc.InputPath
	}
	if jc.InputType != "" {
		payload["inputType"] = jc.InputType
	}
	var body []byte
	if len(payload) > 0 {
		if body, err = json.Marshal(payload); err != nil {
			return jobs.Snapshot{}, err
		}
	}
	var snap jobs.Snapshot
	err = c.doJSON(ctx, http.MethodPost, u, t.Credential, body, &snap)
	return withJobID(snap, t.JobID), err
}

func (c *Client) Cancel(ctx context.Context, t Target) (jobs.Snapshot, error) {
	u, err := endpoint(t.ServiceURL, "jobs/"+url.PathEscape(t.JobID)+"/cancel")
	if err != nil {
		return jobs.Snapshot{}, err
	}
	var snap jobs.Snapshot
	err = c.doJSON(ctx, http.MethodPost, u, t.Credential, nil, &snap)
	return withJobID(snap, t.JobID), err
}

// Artifact is an open artifact download. Body is nil when NotModified is set.
type Artifact struct {
	Body        io.ReadCloser
	ETag        string
	NotModified bool
}

// OpenArtifact starts downloading the job's artifact. A non-empty ifNoneMatch
// lets the service answer 304 when the artifact is unchanged.
func (c *Client) OpenArtifact(ctx context.Context, t Target, ifNoneMatch string) (*Artifact, error) {
	u, err := endpoint(t.ServiceURL, "jobs/"+url.PathEscape(t.JobID)+"/artifact")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	authorize(req, t.Credential)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	// artifacts can be large; only the context bounds the transfer
	resp, err := c.Stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return &Artifact{NotModified: true, ETag: resp.Header.Get("ETag")}, nil
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &Artifact{Body: resp.Body, ETag: resp.Header.Get("ETag")}, nil
}

func (c *Client) doJSON(ctx context.Context, method, u, credential string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	authorize(req, credential)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func authorize(req *http.Request, credential string) {
	if credential = strings.TrimSpace(credential); credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// endpoint joins path onto the service base URL, treating the base as a directory.
func endpoint(base, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", common.ErrInvalidServiceURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", common.ErrInvalidServiceURL, base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return u.ResolveReference(ref).String(), nil
}

// Some services omit the id in control responses.
func withJobID(s jobs.Snapshot, id string) jobs.Snapshot {
	if s.JobID == "" {
		s.JobID = id
	}
	return s
}
