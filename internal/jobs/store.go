package jobs

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Listener observes every accepted merge. It runs after the merge has
// committed, in merge order. It may read the store (Get, List, Len) but must
// not call Merge, Subscribe or a cancel func.
type Listener func(rec Record, u Update)

type Class string

const (
	ClassAll       Class = "all"
	ClassActive    Class = "active"
	ClassCompleted Class = "completed"
	ClassFailed    Class = "failed"
)

func (c Class) Matches(s Status) bool {
	switch c {
	case ClassActive:
		return s == StatusPending || s == StatusRunning
	case ClassCompleted:
		return s == StatusSuccess
	case ClassFailed:
		return s == StatusFailed || s == StatusError
	default:
		return true
	}
}

type Filter struct {
	Class Class
	Query string
}

// Store holds the job records. Merge is the single mutation entry point.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time

	// notifyMu serialises merge and delivery so listeners see merge order.
	// Lock order is notifyMu then mu; mu is never held during delivery.
	notifyMu  sync.Mutex
	listeners map[int]Listener
	nextID    int
}

type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		records:   make(map[string]*Record),
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Merge applies u to the record keyed by u.JobID, creating it on demand.
func (s *Store) Merge(u Update) (Record, error) {
	id := strings.TrimSpace(u.JobID)
	if id == "" {
		return Record{}, ErrMissingJobID
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		rec = &Record{JobID: id, Status: StatusPending}
		s.records[id] = rec
	}
	apply(rec, u)
	if now := s.now(); now.After(rec.LastUpdated) {
		rec.LastUpdated = now
	}
	out := *rec
	s.mu.Unlock()

	for _, l := range s.listenersLocked() {
		l(out, u)
	}
	return out, nil
}

func apply(rec *Record, u Update) {
	if u.Status != "" && !rec.Status.Terminal() {
		rec.Status = u.Status
	}
	if u.Processed != nil {
		rec.Processed = *u.Processed
	}
	if u.Total != nil {
		rec.Total = *u.Total
	}
	if u.Retries != nil {
		rec.Retries = *u.Retries
	}
	if u.ArtifactPath != nil {
		rec.ArtifactPath = u.ArtifactPath
	}
	if u.Message != nil {
		rec.Message = u.Message
	}
	if u.Error != nil {
		rec.Error = u.Error
	}
	if u.LastError != nil {
		rec.LastError = u.LastError
	}
	if u.ArtifactHash != nil {
		rec.ArtifactHash = u.ArtifactHash
	}
	if u.Metadata != nil {
		md := *u.Metadata
		rec.Metadata = &md
	}
	if u.Params != nil && rec.Params == nil {
		p := *u.Params
		rec.Params = &p
	}
	if u.Transport != "" {
		rec.Transport = u.Transport
	}

	c := u.Context
	if c.ServiceURL != "" {
		rec.ServiceURL = c.ServiceURL
	}
	if c.Credential != "" {
		rec.Credential = c.Credential
	}
	if c.InputPath != "" {
		rec.InputPath = c.InputPath
	}
	if c.InputType != "" {
		rec.InputType = c.InputType
	}
	if c.ManifestPath != "" {
		rec.ManifestPath = c.ManifestPath
	}
}

func (s *Store) Get(jobID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns matching records, most recently updated first.
func (s *Store) List(f Filter) []Record {
	q := strings.ToLower(strings.TrimSpace(f.Query))

	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if !f.Class.Matches(rec.Status) {
			continue
		}
		if q != "" && !matchesQuery(rec, q) {
			continue
		}
		out = append(out, *rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

func matchesQuery(rec *Record, q string) bool {
	fields := []string{rec.JobID}
	if rec.Message != nil {
		fields = append(fields, *rec.Message)
	}
	if rec.Metadata != nil {
		fields = append(fields, rec.Metadata.Title, rec.Metadata.Volume)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// Len is the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Reset drops every record (new task). In-flight requests are not aborted; a
// late response recreates its record.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = make(map[string]*Record)
	s.mu.Unlock()
}

// Restore loads previously persisted records without notifying listeners.
// Records already present are kept.
func (s *Store) Restore(recs []Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range recs {
		if r.JobID == "" {
			continue
		}
		if _, ok := s.records[r.JobID]; ok {
			continue
		}
		rec := r
		s.records[r.JobID] = &rec
		n++
	}
	return n
}

// Subscribe registers l and returns the function that removes it.
func (s *Store) Subscribe(l Listener) (cancel func()) {
	s.notifyMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			delete(s.listeners, id)
			s.notifyMu.Unlock()
		})
	}
}

// listenersLocked returns listeners in registration order. notifyMu must be held.
func (s *Store) listenersLocked() []Listener {
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}
