package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

func TestEndpoint(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://svc:8080", "jobs", "http://svc:8080/jobs"},
		{"http://svc:8080/api", "jobs/1", "http://svc:8080/api/jobs/1"},
		{"http://svc:8080/api/", "jobs/1/resume", "http://svc:8080/api/jobs/1/resume"},
		{"  https://svc  ", "jobs", "https://svc/jobs"},
	}
	for _, tc := range cases {
		got, err := endpoint(tc.base, tc.path)
		if err != nil {
			t.Fatalf("endpoint(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("endpoint(%q, %q) = %q want %q", tc.base, tc.path, got, tc.want)
		}
	}

	if _, err := endpoint("   ", "jobs"); !errors.Is(err, common.ErrInvalidServiceURL) {
		t.Fatalf("expected ErrInvalidServiceURL, got %v", err)
	}
	if _, err := endpoint("svc-without-scheme", "jobs"); !errors.Is(err, common.ErrInvalidServiceURL) {
		t.Fatalf("expected ErrInvalidServiceURL for relative url, got %v", err)
	}
}

func TestCreateJobAndStatus(t *testing.T) {
	var gotAuth string
	var created CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			_ = json.NewDecoder(r.Body).Decode(&created)
			_, _ = io.WriteString(w, `{"job_id":"j-42"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/j-42":
			_, _ = io.WriteString(w, `{"jobId":"j-42","status":"RUNNING","processed":2,"total":9}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	id, err := c.CreateJob(context.Background(), srv.URL, "secret", CreateRequest{
		InputPath: "uploads/vol1.zip",
		InputType: "zip",
		Params:    jobs.DefaultParams(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "j-42" {
		t.Fatalf("unexpected job id %q", id)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("missing bearer header: %q", gotAuth)
	}
	if created.Params.Model != "RealESRGAN_x4plus_anime_6B" || created.InputType != "zip" {
		t.Fatalf("unexpected request body: %+v", created)
	}

	snap, err := c.FetchStatus(context.Background(), Target{ServiceURL: srv.URL, JobID: "j-42"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != "RUNNING" || *snap.Processed != 2 || *snap.Total != 9 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestResumeSendsContextOnlyWhenKnown(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		_, _ = io.WriteString(w, `{"status":"PENDING"}`)
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	tgt := Target{ServiceURL: srv.URL, JobID: "j1"}

	snap, err := c.Resume(context.Background(), tgt, jobs.Context{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if snap.JobID != "j1" {
		t.Fatalf("expected job id to be filled in, got %q", snap.JobID)
	}
	if _, err := c.Resume(context.Background(), tgt, jobs.Context{InputPath: "in", InputType: "folder"}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if bodies[0] != "" {
		t.Fatalf("expected empty body, got %q", bodies[0])
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(bodies[1]), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["inputPath"] != "in" || payload["inputType"] != "folder" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewClient(time.Second).Cancel(context.Background(), Target{ServiceURL: srv.URL, JobID: "x"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusGone || se.Body != "job gone" {
		t.Fatalf("unexpected error %+v", se)
	}
}

func TestOpenArtifactNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == "abc" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = io.WriteString(w, "zipbytes")
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	tgt := Target{ServiceURL: srv.URL, JobID: "x"}

	art, err := c.OpenArtifact(context.Background(), tgt, "abc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !art.NotModified || art.Body != nil {
		t.Fatalf("expected not modified, got %+v", art)
	}

	art, err = c.OpenArtifact(context.Background(), tgt, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer art.Body.Close()
	b, _ := io.ReadAll(art.Body)
	if string(b) != "zipbytes" {
		t.Fatalf("unexpected body %q", b)
	}
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/j1/events" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "data: {\"jobId\":\"j1\",\"status\":\"RUNNING\",\"processed\":1,\"total\":3}\n\n")
		fmt.Fprint(w, "data: {\"status\":\"SUCCESS\",\"processed\":3,\"total\":3}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	events, errs := NewClient(time.Second).StreamEvents(context.Background(), Target{ServiceURL: srv.URL, JobID: "j1"})

	var got []jobs.Event
	for e := range events {
		got = append(got, e)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].JobID != "j1" || got[1].Status != "SUCCESS" {
		t.Fatalf("unexpected final event %+v", got[1])
	}
}
