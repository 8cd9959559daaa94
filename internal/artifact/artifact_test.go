package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/remote"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

type artifactServer struct {
	srv         *httptest.Server
	body        []byte
	hits        atomic.Int32
	ifNoneMatch atomic.Value
}

func newArtifactServer(t *testing.T, body []byte) *artifactServer {
	t.Helper()
	as := &artifactServer{body: body}
	as.ifNoneMatch.Store("")
	as.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		as.hits.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/jobs/job-1/artifact") {
			http.NotFound(w, r)
			return
		}
		inm := r.Header.Get("If-None-Match")
		as.ifNoneMatch.Store(inm)
		if inm != "" && inm == sum(string(as.body)) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(as.body)
	}))
	t.Cleanup(as.srv.Close)
	return as
}

func strp(s string) *string { return &s }

func testJob(serviceURL string) jobs.Record {
	return jobs.Record{
		JobID:        "job-1",
		Status:       jobs.StatusSuccess,
		ArtifactPath: strp("/data/out/job-1.zip"),
		Metadata:     &jobs.Metadata{Title: "Blue: Sky?", Volume: "vol 3"},
		Context:      jobs.Context{ServiceURL: serviceURL},
	}
}

func TestArchiveName(t *testing.T) {
	cases := []struct {
		name     string
		md       *jobs.Metadata
		jobID    string
		want     string
		warnings int
	}{
		{name: "full metadata", md: &jobs.Metadata{Title: "A/B", Volume: "Vol. 12"}, jobID: "j", want: "0012_A_B.zip"},
		{name: "no metadata", md: nil, jobID: "j", want: "j.zip", warnings: 1},
		{name: "no volume", md: &jobs.Metadata{Title: "A"}, jobID: "j", want: "j.zip", warnings: 1},
		{name: "non numeric volume", md: &jobs.Metadata{Title: "A", Volume: "extra"}, jobID: "j", want: "j.zip", warnings: 1},
		{name: "empty title after cleanup", md: &jobs.Metadata{Title: "   ", Volume: "1"}, jobID: "j", want: "j.zip", warnings: 1},
		{name: "no usable id", md: nil, jobID: "", want: "artifact.zip", warnings: 1},
	}
	for _, tc := range cases {
		got, warnings := ArchiveName(tc.md, tc.jobID)
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
		if len(warnings) != tc.warnings {
			t.Fatalf("%s: warnings=%v", tc.name, warnings)
		}
	}
}

func TestCompare_MissingAndExtra(t *testing.T) {
	expected := map[string]Digest{
		"fileA.png": {Hash: sum("a"), Bytes: 1},
		"fileB.png": {Hash: sum("b"), Bytes: 1},
	}
	actual := map[string]Digest{
		"fileA.png": {Hash: sum("a"), Bytes: 1},
		"fileC.png": {Hash: sum("c"), Bytes: 1},
	}
	items, s := Compare(expected, actual)
	want := Summary{Matched: 1, Missing: 1, Extra: 1, Mismatched: 0, TotalManifest: 2, TotalExtracted: 2}
	if s != want {
		t.Fatalf("summary = %+v want %+v", s, want)
	}
	statuses := map[string]ItemStatus{}
	for _, it := range items {
		statuses[it.Filename] = it.Status
	}
	if statuses["fileA.png"] != StatusMatched || statuses["fileB.png"] != StatusMissing || statuses["fileC.png"] != StatusExtra {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
	if items[0].Filename != "fileA.png" || items[2].Filename != "fileC.png" {
		t.Fatalf("items not sorted: %+v", items)
	}
}

func TestCompare_HashOnlyAndMismatch(t *testing.T) {
	expected := map[string]Digest{
		"a.png": {Hash: sum("a"), Bytes: -1},
		"b.png": {Hash: sum("b"), Bytes: 1},
	}
	actual := map[string]Digest{
		"a.png": {Hash: sum("a"), Bytes: 1},
		"b.png": {Hash: sum("x"), Bytes: 1},
	}
	items, s := Compare(expected, actual)
	if s.Matched != 1 || s.Mismatched != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if items[0].ExpectedBytes != nil {
		t.Fatalf("hash-only entry should not report an expected size")
	}
}

func TestCompare_NoManifest(t *testing.T) {
	_, s := Compare(nil, map[string]Digest{"a.png": {Hash: sum("a"), Bytes: 1}})
	if s.Matched != 1 || s.TotalManifest != 1 || s.TotalExtracted != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestHistory_CapsNewestFirst(t *testing.T) {
	h := NewHistory(2)
	h.Add(&Report{ID: "1"})
	h.Add(&Report{ID: "2"})
	h.Add(&Report{ID: "3"})
	list := h.List()
	if len(list) != 2 || list[0].ID != "3" || list[1].ID != "2" {
		t.Fatalf("unexpected history: %+v", list)
	}
	if _, ok := h.Get("1"); ok {
		t.Fatalf("evicted report still present")
	}
}

func TestDownload_ExtractsAndRepacksImages(t *testing.T) {
	body := buildZip(t, map[string]string{
		"pages/001.png": "one",
		"pages/002.JPG": "two",
		"notes.txt":     "skip me",
		"../evil.png":   "nope",
	})
	as := newArtifactServer(t, body)
	dir := t.TempDir()

	v := NewValidator(remote.NewClient(0), Config{})
	out, err := v.Download(context.Background(), testJob(as.srv.URL), dir)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if out.FileCount != 2 {
		t.Fatalf("file count = %d", out.FileCount)
	}
	if out.Hash != sum(string(body)) {
		t.Fatalf("hash = %s", out.Hash)
	}
	if filepath.Base(out.ArchivePath) != "0003_Blue_ Sky_.zip" {
		t.Fatalf("archive = %s", out.ArchivePath)
	}
	if out.ExtractPath != filepath.Join(dir, "job-1") {
		t.Fatalf("extract path = %s", out.ExtractPath)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.png")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("entry escaped the extract dir")
	}

	zr, err := zip.OpenReader(out.ArchivePath)
	if err != nil {
		t.Fatalf("open repacked archive: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 2 {
		t.Fatalf("repacked %d files", len(zr.File))
	}
	for _, f := range zr.File {
		if f.Method != zip.Store {
			t.Fatalf("%s is compressed", f.Name)
		}
	}
}

func TestDownload_Preconditions(t *testing.T) {
	v := NewValidator(remote.NewClient(0), Config{})
	job := testJob("")
	if _, err := v.Download(context.Background(), job, t.TempDir()); !errors.Is(err, common.ErrInvalidServiceURL) {
		t.Fatalf("expected invalid service url, got %v", err)
	}
	job = testJob("http://127.0.0.1:1")
	job.ArtifactPath = nil
	if _, err := v.Download(context.Background(), job, t.TempDir()); !errors.Is(err, common.ErrMissingArtifact) {
		t.Fatalf("expected missing artifact, got %v", err)
	}
}

func TestDownload_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewValidator(remote.NewClient(0), Config{})
	_, err := v.Download(context.Background(), testJob(srv.URL), t.TempDir())
	if !common.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func writeManifest(t *testing.T, dir string, entries []ManifestEntry) string {
	t.Helper()
	b, err := json.Marshal(Manifest{Files: entries})
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestValidate_ReportsDiscrepancies(t *testing.T) {
	body := buildZip(t, map[string]string{"fileA.png": "a", "fileC.png": "c"})
	as := newArtifactServer(t, body)
	dir := t.TempDir()
	manifest := writeManifest(t, t.TempDir(), []ManifestEntry{
		{Target: "fileA.png", Hash: strp(sum("a"))},
		{Target: "fileB.png", Hash: strp(sum("b"))},
	})

	v := NewValidator(remote.NewClient(0), Config{})
	r, err := v.Validate(context.Background(), testJob(as.srv.URL), ValidateOptions{TargetDir: dir, ManifestPath: manifest})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := Summary{Matched: 1, Missing: 1, Extra: 1, TotalManifest: 2, TotalExtracted: 2}
	if r.Summary != want {
		t.Fatalf("summary = %+v want %+v", r.Summary, want)
	}
	if len(r.ID) != 26 {
		t.Fatalf("report id %q is not a ulid", r.ID)
	}
	if r.ReportPath != filepath.Join(dir, "job-1", ReportFileName) {
		t.Fatalf("report path = %s", r.ReportPath)
	}
	if _, err := os.Stat(r.ReportPath); err != nil {
		t.Fatalf("report not cached: %v", err)
	}
	if len(r.Warnings) != 2 {
		t.Fatalf("warnings = %v", r.Warnings)
	}
	if got := v.History().List(); len(got) != 1 || got[0].ID != r.ID {
		t.Fatalf("history = %+v", got)
	}
}

func TestValidate_NoManifestMatchesEverything(t *testing.T) {
	as := newArtifactServer(t, buildZip(t, map[string]string{"a.png": "a"}))
	v := NewValidator(remote.NewClient(0), Config{
		Prompt: func(context.Context, jobs.Record) (string, error) {
			t.Fatal("prompt must not run in silent mode")
			return "", nil
		},
	})
	r, err := v.Validate(context.Background(), testJob(as.srv.URL), ValidateOptions{TargetDir: t.TempDir(), Silent: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if r.Summary.Matched != 1 || r.Summary.Missing != 0 {
		t.Fatalf("summary = %+v", r.Summary)
	}
	if len(r.Warnings) == 0 || !strings.Contains(r.Warnings[0], "no manifest") {
		t.Fatalf("warnings = %v", r.Warnings)
	}
}

func TestValidate_HashChangeWarns(t *testing.T) {
	as := newArtifactServer(t, buildZip(t, map[string]string{"a.png": "a"}))
	job := testJob(as.srv.URL)
	job.ArtifactHash = strp(sum("older"))

	v := NewValidator(remote.NewClient(0), Config{})
	r, err := v.Validate(context.Background(), job, ValidateOptions{TargetDir: t.TempDir(), Silent: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	found := false
	for _, w := range r.Warnings {
		if strings.Contains(w, "differs from the previously known") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v", r.Warnings)
	}
}

func TestValidate_UnchangedArtifactUsesCache(t *testing.T) {
	body := buildZip(t, map[string]string{"a.png": "a"})
	as := newArtifactServer(t, body)
	dir := t.TempDir()
	v := NewValidator(remote.NewClient(0), Config{})

	job := testJob(as.srv.URL)
	first, err := v.Validate(context.Background(), job, ValidateOptions{TargetDir: dir, Silent: true})
	if err != nil {
		t.Fatalf("first validate: %v", err)
	}

	job.ArtifactHash = strp(first.Hash)
	for i := 0; i < 2; i++ {
		again, err := v.Validate(context.Background(), job, ValidateOptions{TargetDir: dir, Silent: true})
		if err != nil {
			t.Fatalf("cached validate: %v", err)
		}
		if again.ID != first.ID {
			t.Fatalf("expected cached report %s, got %s", first.ID, again.ID)
		}
		if again.Warnings[0] != unchangedWarning {
			t.Fatalf("warnings = %v", again.Warnings)
		}
		n := 0
		for _, w := range again.Warnings {
			if w == unchangedWarning {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("unchanged warning repeated: %v", again.Warnings)
		}
	}
	if got := as.ifNoneMatch.Load().(string); got != first.Hash {
		t.Fatalf("If-None-Match = %q", got)
	}
}

func TestValidate_NotModifiedWithoutCacheFails(t *testing.T) {
	v := NewValidator(stubSource{art: &remote.Artifact{NotModified: true}}, Config{})
	job := testJob("http://upscaler.local")
	job.ArtifactHash = strp("abc")
	if _, err := v.Validate(context.Background(), job, ValidateOptions{TargetDir: t.TempDir(), Silent: true}); err == nil {
		t.Fatalf("expected an error without a cached report")
	}
}

type stubSource struct {
	art *remote.Artifact
	err error
}

func (s stubSource) OpenArtifact(context.Context, remote.Target, string) (*remote.Artifact, error) {
	return s.art, s.err
}

func TestReadManifest_SchemaAndDiskHashes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "p1.png"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := writeManifest(t, dir, []ManifestEntry{
		{Source: "in/p1.png", Target: "p1.png"},
		{Target: "gone.png"},
		{Target: "sub/p2.png", Hash: strp(strings.ToUpper(sum("two")))},
	})
	got, err := ReadManifest(p)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %v", got)
	}
	if got["p1.png"].Hash != sum("one") || got["p1.png"].Bytes != 3 {
		t.Fatalf("p1 = %+v", got["p1.png"])
	}
	if got["p2.png"].Hash != sum("two") || got["p2.png"].Bytes != -1 {
		t.Fatalf("p2 = %+v", got["p2.png"])
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"files":[{"target":"x","hash":"zz"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadManifest(bad); err == nil {
		t.Fatalf("expected schema violation")
	}
}

func TestWriteXLSX(t *testing.T) {
	r := &Report{
		ID:      "01HZZ",
		JobID:   "job-1",
		Summary: Summary{Matched: 1, Missing: 1},
		Items: []Item{
			{Filename: "a.png", Status: StatusMatched, ActualHash: strp(sum("a"))},
			{Filename: "b.png", Status: StatusMissing, ExpectedHash: strp(sum("b"))},
		},
		Warnings: []string{"1 file(s) missing from the artifact"},
	}
	var buf bytes.Buffer
	if err := WriteXLSX(r, &buf); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	v, err := f.GetCellValue("Items", "B3")
	if err != nil || v != "missing" {
		t.Fatalf("B3 = %q (%v)", v, err)
	}
	v, _ = f.GetCellValue("Summary", "B1")
	if v != "job-1" {
		t.Fatalf("B1 = %q", v)
	}
}

func withLimits(t *testing.T, entries int, entryBytes, totalBytes int64) {
	t.Helper()
	e, eb, tb := maxEntries, maxEntryBytes, maxTotalBytes
	maxEntries, maxEntryBytes, maxTotalBytes = entries, entryBytes, totalBytes
	t.Cleanup(func() { maxEntries, maxEntryBytes, maxTotalBytes = e, eb, tb })
}

func writeZipFile(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.zip")
	if err := os.WriteFile(p, buildZip(t, files), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExtract_RejectsOversizedEntry(t *testing.T) {
	withLimits(t, 100, 16, 1<<20)
	src := writeZipFile(t, map[string]string{"big.png": strings.Repeat("x", 100)})

	dir := t.TempDir()
	if _, _, err := extract(src, dir); !errors.Is(err, ErrArchiveTooLarge) {
		t.Fatalf("expected size limit error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "big.png")); !os.IsNotExist(err) {
		t.Fatalf("oversized entry left on disk: %v", err)
	}
}

func TestExtract_RejectsTooManyEntriesAndTotalSize(t *testing.T) {
	withLimits(t, 2, 1<<20, 1<<20)
	src := writeZipFile(t, map[string]string{"a.png": "a", "b.png": "b", "c.png": "c"})
	if _, _, err := extract(src, t.TempDir()); !errors.Is(err, ErrArchiveTooLarge) {
		t.Fatalf("expected entry count error, got %v", err)
	}

	withLimits(t, 100, 10, 12)
	src = writeZipFile(t, map[string]string{"a.png": "aaaaaaaa", "b.png": "bbbbbbbb"})
	if _, _, err := extract(src, t.TempDir()); !errors.Is(err, ErrArchiveTooLarge) {
		t.Fatalf("expected total size error, got %v", err)
	}

	withLimits(t, 100, 10, 100)
	images, _, err := extract(src, t.TempDir())
	if err != nil || len(images) != 2 {
		t.Fatalf("within limits: images=%v err=%v", images, err)
	}
}
