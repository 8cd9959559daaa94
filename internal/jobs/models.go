package jobs

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusError   Status = "ERROR"
)

// ParseStatus canonicalises known statuses; anything else is kept verbatim.
func ParseStatus(s string) Status {
	up := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch up {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusError:
		return up
	}
	return Status(s)
}

// Terminal reports whether the status is a one-way latch.
// ERROR is not terminal: a later poll may still report progress.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Transport tags the channel that produced an update. Values match the wire.
type Transport string

const (
	TransportPush  Transport = "websocket"
	TransportPoll  Transport = "polling"
	TransportLocal Transport = "system"
)

func ParseTransport(s string) (Transport, bool) {
	switch Transport(strings.ToLower(strings.TrimSpace(s))) {
	case TransportPush, "push", "sse", "amqp":
		return TransportPush, true
	case TransportPoll, "poll":
		return TransportPoll, true
	case TransportLocal, "local":
		return TransportLocal, true
	}
	return "", false
}

// Params is the submission configuration of a job. Never mutated once stored.
type Params struct {
	Scale        int    `json:"scale"`
	Model        string `json:"model"`
	Denoise      string `json:"denoise"`
	OutputFormat string `json:"outputFormat"`
	JPEGQuality  int    `json:"jpegQuality"`
	TileSize     *int   `json:"tileSize,omitempty"`
	TilePad      *int   `json:"tilePad,omitempty"`
	BatchSize    *int   `json:"batchSize,omitempty"`
	Device       string `json:"device"`
}

func DefaultParams() Params {
	return Params{
		Scale:        2,
		Model:        "RealESRGAN_x4plus_anime_6B",
		Denoise:      "medium",
		OutputFormat: "jpg",
		JPEGQuality:  95,
		Device:       "auto",
	}
}

type Metadata struct {
	Title  string `json:"title,omitempty"`
	Volume string `json:"volume,omitempty"`
}

// Context is the static submission context needed to re-issue requests for a job.
// Empty strings mean "not known".
type Context struct {
	ServiceURL   string `json:"serviceUrl,omitempty"`
	Credential   string `json:"-"`
	InputPath    string `json:"inputPath,omitempty"`
	InputType    string `json:"inputType,omitempty"`
	ManifestPath string `json:"manifestPath,omitempty"`
}

// Record is the local view of one remote job. Pointer fields are nullable and
// must be treated as read-only by callers.
type Record struct {
	JobID        string    `json:"jobId"`
	Status       Status    `json:"status"`
	Processed    int       `json:"processed"`
	Total        int       `json:"total"`
	ArtifactPath *string   `json:"artifactPath"`
	Message      *string   `json:"message"`
	Error        *string   `json:"error"`
	LastError    *string   `json:"lastError"`
	Transport    Transport `json:"transport"`
	Retries      int       `json:"retries"`
	ArtifactHash *string   `json:"artifactHash"`
	Params       *Params   `json:"params"`
	Metadata     *Metadata `json:"metadata"`
	Context
	LastUpdated time.Time `json:"lastUpdated"`
}

// HasCredential is exposed instead of the credential itself.
func (r Record) HasCredential() bool { return r.Credential != "" }

// Update is the canonical shape every channel is normalised into.
// Nil pointers and empty strings mean "not supplied" and leave the record as is.
type Update struct {
	JobID        string
	Status       Status
	Processed    *int
	Total        *int
	ArtifactPath *string
	Message      *string
	Error        *string
	LastError    *string
	Transport    Transport
	Retries      *int
	ArtifactHash *string
	Params       *Params
	Metadata     *Metadata
	Context      Context
}

// Event is the wire shape of a pushed or polled job update. Status responses
// from older services use snake_case keys; both spellings are accepted.
type Event struct {
	JobID        string    `json:"jobId"`
	Status       string    `json:"status"`
	Processed    *int      `json:"processed,omitempty"`
	Total        *int      `json:"total,omitempty"`
	ArtifactPath *string   `json:"artifactPath"`
	Message      *string   `json:"message"`
	Transport    string    `json:"transport,omitempty"`
	Error        *string   `json:"error"`
	Retries      *int      `json:"retries,omitempty"`
	LastError    *string   `json:"lastError"`
	ArtifactHash *string   `json:"artifactHash"`
	Params       *Params   `json:"params"`
	Metadata     *Metadata `json:"metadata"`
}

func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var aux struct {
		plain
		JobIDSnake        *string `json:"job_id"`
		ArtifactPathSnake *string `json:"artifact_path"`
		ArtifactHashSnake *string `json:"artifact_hash"`
		LastErrorSnake    *string `json:"last_error"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*e = Event(aux.plain)
	if e.JobID == "" && aux.JobIDSnake != nil {
		e.JobID = *aux.JobIDSnake
	}
	if e.ArtifactPath == nil {
		e.ArtifactPath = aux.ArtifactPathSnake
	}
	if e.ArtifactHash == nil {
		e.ArtifactHash = aux.ArtifactHashSnake
	}
	if e.LastError == nil {
		e.LastError = aux.LastErrorSnake
	}
	return nil
}

// Snapshot is the body of a status, resume or cancel response.
type Snapshot = Event

// Submission is the body returned by job creation.
type Submission struct {
	JobID string `json:"jobId"`
}

func (s *Submission) UnmarshalJSON(b []byte) error {
	var aux struct {
		JobID      string `json:"jobId"`
		JobIDSnake string `json:"job_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.JobID = aux.JobID
	if s.JobID == "" {
		s.JobID = aux.JobIDSnake
	}
	return nil
}
