package artifact

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type ItemStatus string

const (
	StatusMatched  ItemStatus = "matched"
	StatusMissing  ItemStatus = "missing"
	StatusExtra    ItemStatus = "extra"
	StatusMismatch ItemStatus = "mismatch"
)

// Digest is the content hash (hex SHA-256) and size of one file.
type Digest struct {
	Hash  string `json:"hash"`
	Bytes int64  `json:"bytes"`
}

type Item struct {
	Filename      string     `json:"filename"`
	ExpectedHash  *string    `json:"expectedHash,omitempty"`
	ActualHash    *string    `json:"actualHash,omitempty"`
	ExpectedBytes *int64     `json:"expectedBytes,omitempty"`
	ActualBytes   *int64     `json:"actualBytes,omitempty"`
	Status        ItemStatus `json:"status"`
}

type Summary struct {
	Matched        int `json:"matched"`
	Missing        int `json:"missing"`
	Extra          int `json:"extra"`
	Mismatched     int `json:"mismatched"`
	TotalManifest  int `json:"totalManifest"`
	TotalExtracted int `json:"totalExtracted"`
}

// Report is the immutable result of one validation.
type Report struct {
	ID           string    `json:"id"`
	JobID        string    `json:"jobId"`
	ArtifactPath string    `json:"artifactPath"`
	ExtractPath  string    `json:"extractPath"`
	ManifestPath string    `json:"manifestPath,omitempty"`
	ArchivePath  string    `json:"archivePath,omitempty"`
	ReportPath   string    `json:"reportPath,omitempty"`
	Hash         string    `json:"hash"`
	CreatedAt    time.Time `json:"createdAt"`
	Summary      Summary   `json:"summary"`
	Items        []Item    `json:"items"`
	Warnings     []string  `json:"warnings"`
}

// Compare classifies every filename of either set. A nil expected map means
// no manifest: every extracted file counts as matched.
func Compare(expected, actual map[string]Digest) ([]Item, Summary) {
	items := make([]Item, 0, len(expected)+len(actual))
	var sum Summary

	for name, a := range actual {
		it := Item{Filename: name, ActualHash: &a.Hash, ActualBytes: &a.Bytes}
		e, ok := expected[name]
		switch {
		case expected == nil:
			it.Status = StatusMatched
			sum.Matched++
		case !ok:
			it.Status = StatusExtra
			sum.Extra++
		default:
			it.ExpectedHash, it.ExpectedBytes = expectedFields(e)
			// a negative size means the manifest only pins the hash
			if e.Hash == a.Hash && (e.Bytes < 0 || e.Bytes == a.Bytes) {
				it.Status = StatusMatched
				sum.Matched++
			} else {
				it.Status = StatusMismatch
				sum.Mismatched++
			}
		}
		items = append(items, it)
	}
	for name, e := range expected {
		if _, ok := actual[name]; ok {
			continue
		}
		it := Item{Filename: name, Status: StatusMissing}
		it.ExpectedHash, it.ExpectedBytes = expectedFields(e)
		items = append(items, it)
		sum.Missing++
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Filename < items[j].Filename })

	sum.TotalExtracted = len(actual)
	if expected != nil {
		sum.TotalManifest = len(expected)
	} else {
		sum.TotalManifest = sum.Matched
	}
	return items, sum
}

func expectedFields(e Digest) (*string, *int64) {
	if e.Bytes < 0 {
		return &e.Hash, nil
	}
	return &e.Hash, &e.Bytes
}

func summaryWarnings(s Summary) []string {
	var out []string
	if s.Missing > 0 {
		out = append(out, fmt.Sprintf("%d file(s) missing from the artifact", s.Missing))
	}
	if s.Extra > 0 {
		out = append(out, fmt.Sprintf("%d extra file(s) not listed in the manifest", s.Extra))
	}
	if s.Mismatched > 0 {
		out = append(out, fmt.Sprintf("%d file(s) differ from the manifest", s.Mismatched))
	}
	return out
}

const DefaultHistoryLimit = 20

// History keeps the most recent reports, newest first.
type History struct {
	mu      sync.RWMutex
	limit   int
	reports []*Report
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

func (h *History) Add(r *Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append([]*Report{r}, h.reports...)
	if len(h.reports) > h.limit {
		h.reports = h.reports[:h.limit]
	}
}

func (h *History) List() []*Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Report, len(h.reports))
	copy(out, h.reports)
	return out
}

func (h *History) Get(id string) (*Report, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.reports {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

func (h *History) Clear() {
	h.mu.Lock()
	h.reports = nil
	h.mu.Unlock()
}
