package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/remote"
)

// ReportFileName is the cached report inside a job's extraction directory.
const ReportFileName = "artifact-report.json"

const unchangedWarning = "artifact unchanged on the service; returning the cached report"

type Source interface {
	OpenArtifact(ctx context.Context, t remote.Target, ifNoneMatch string) (*remote.Artifact, error)
}

// ManifestPrompt asks the user for a manifest path. An empty path means none.
type ManifestPrompt func(ctx context.Context, job jobs.Record) (string, error)

type Config struct {
	History *History
	Prompt  ManifestPrompt
	Logger  *slog.Logger
	Now     func() time.Time
}

type Validator struct {
	src     Source
	history *History
	prompt  ManifestPrompt
	logger  *slog.Logger
	now     func() time.Time
}

func NewValidator(src Source, cfg Config) *Validator {
	v := &Validator{
		src:     src,
		history: cfg.History,
		prompt:  cfg.Prompt,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if v.history == nil {
		v.history = NewHistory(DefaultHistoryLimit)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

func (v *Validator) History() *History { return v.history }

type DownloadSummary struct {
	JobID       string   `json:"jobId"`
	ArchivePath string   `json:"archivePath"`
	ExtractPath string   `json:"extractPath"`
	Hash        string   `json:"hash"`
	FileCount   int      `json:"fileCount"`
	Warnings    []string `json:"warnings"`
}

type prepared struct {
	extractRoot string
	archivePath string
	hash        string
	images      int
	warnings    []string
}

// Download fetches, hashes and extracts the job's artifact under targetDir.
// Failures are returned as is; nothing is retried.
func (v *Validator) Download(ctx context.Context, job jobs.Record, targetDir string) (*DownloadSummary, error) {
	p, _, err := v.fetch(ctx, job, targetDir, "")
	if err != nil {
		return nil, err
	}
	v.logger.Info("artifact downloaded", "job_id", job.JobID, "archive", p.archivePath, "files", p.images)
	return &DownloadSummary{
		JobID:       job.JobID,
		ArchivePath: p.archivePath,
		ExtractPath: p.extractRoot,
		Hash:        p.hash,
		FileCount:   p.images,
		Warnings:    p.warnings,
	}, nil
}

type ValidateOptions struct {
	TargetDir    string
	ManifestPath string
	Silent       bool
}

// Validate downloads the artifact and compares it with the expected manifest.
// Discrepancies end up in the report, never in the error.
func (v *Validator) Validate(ctx context.Context, job jobs.Record, opts ValidateOptions) (*Report, error) {
	cachePath := filepath.Join(opts.TargetDir, jobDir(job.JobID), ReportFileName)
	knownHash := ""
	if job.ArtifactHash != nil {
		knownHash = strings.TrimSpace(*job.ArtifactHash)
	}

	ifNoneMatch := ""
	if knownHash != "" && fileExists(cachePath) {
		ifNoneMatch = knownHash
	}

	p, notModified, err := v.fetch(ctx, job, opts.TargetDir, ifNoneMatch)
	if err != nil {
		return nil, err
	}
	if notModified {
		r, err := readCachedReport(cachePath)
		if err != nil {
			return nil, err
		}
		v.history.Add(r)
		return r, nil
	}

	manifestPath, err := v.resolveManifest(ctx, job, opts)
	if err != nil {
		return nil, err
	}
	var expected map[string]Digest
	if manifestPath != "" {
		if expected, err = ReadManifest(manifestPath); err != nil {
			return nil, err
		}
	}

	actual, err := CollectDigests(p.extractRoot, ReportFileName)
	if err != nil {
		return nil, fmt.Errorf("scan extracted files: %w", err)
	}
	items, sum := Compare(expected, actual)

	warnings := p.warnings
	if manifestPath == "" {
		warnings = append(warnings, "no manifest provided; the report lists extracted files only")
	}
	warnings = append(warnings, summaryWarnings(sum)...)
	if knownHash != "" && !strings.EqualFold(knownHash, p.hash) {
		warnings = append(warnings, fmt.Sprintf("artifact hash %s differs from the previously known %s", p.hash, knownHash))
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	r := &Report{
		ID:           id,
		JobID:        job.JobID,
		ArtifactPath: deref(job.ArtifactPath),
		ExtractPath:  p.extractRoot,
		ManifestPath: manifestPath,
		ArchivePath:  p.archivePath,
		ReportPath:   cachePath,
		Hash:         p.hash,
		CreatedAt:    v.now().UTC(),
		Summary:      sum,
		Items:        items,
		Warnings:     warnings,
	}
	if err := writeReport(cachePath, r); err != nil {
		return nil, err
	}
	v.history.Add(r)

	v.logger.Info("artifact validated", "job_id", job.JobID,
		"matched", sum.Matched, "missing", sum.Missing, "extra", sum.Extra, "mismatched", sum.Mismatched)
	return r, nil
}

func (v *Validator) resolveManifest(ctx context.Context, job jobs.Record, opts ValidateOptions) (string, error) {
	if p := strings.TrimSpace(opts.ManifestPath); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(job.ManifestPath); p != "" {
		return p, nil
	}
	if opts.Silent || v.prompt == nil {
		return "", nil
	}
	p, err := v.prompt(ctx, job)
	if err != nil {
		return "", fmt.Errorf("manifest prompt: %w", err)
	}
	return strings.TrimSpace(p), nil
}

// fetch streams the artifact to a temp file while hashing it, then extracts it
// into targetDir/<jobId> and repacks the images into the named archive.
func (v *Validator) fetch(ctx context.Context, job jobs.Record, targetDir, ifNoneMatch string) (*prepared, bool, error) {
	if strings.TrimSpace(job.ServiceURL) == "" {
		return nil, false, common.ErrInvalidServiceURL
	}
	if job.ArtifactPath == nil || strings.TrimSpace(*job.ArtifactPath) == "" {
		return nil, false, fmt.Errorf("%w: job %s", common.ErrMissingArtifact, job.JobID)
	}
	if strings.TrimSpace(targetDir) == "" {
		return nil, false, fmt.Errorf("%w: target directory is required", common.ErrInvalidInput)
	}

	art, err := v.src.OpenArtifact(ctx, remote.TargetOf(job), ifNoneMatch)
	if err != nil {
		return nil, false, common.TransportError("download artifact", job.JobID, err)
	}
	if art.NotModified {
		return nil, true, nil
	}
	defer art.Body.Close()

	tmp, err := os.CreateTemp("", "artifact-*.zip")
	if err != nil {
		return nil, false, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), art.Body); err != nil {
		return nil, false, common.TransportError("download artifact", job.JobID, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, false, err
	}

	p := &prepared{
		extractRoot: filepath.Join(targetDir, jobDir(job.JobID)),
		hash:        hex.EncodeToString(h.Sum(nil)),
	}
	name, warnings := ArchiveName(job.Metadata, job.JobID)
	p.archivePath = filepath.Join(targetDir, name)
	p.warnings = warnings

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("prepare target dir: %w", err)
	}
	if err := os.RemoveAll(p.extractRoot); err != nil {
		return nil, false, fmt.Errorf("clear extract dir: %w", err)
	}
	if err := os.MkdirAll(p.extractRoot, 0o755); err != nil {
		return nil, false, fmt.Errorf("prepare extract dir: %w", err)
	}

	images, skipped, err := extract(tmp.Name(), p.extractRoot)
	if err != nil {
		return nil, false, err
	}
	for _, s := range skipped {
		p.warnings = append(p.warnings, fmt.Sprintf("skipped archive entry outside the extract dir: %s", s))
	}
	if len(images) == 0 {
		p.warnings = append(p.warnings, "no image files found in the artifact")
	}
	if err := repack(p.extractRoot, images, p.archivePath); err != nil {
		return nil, false, fmt.Errorf("write archive: %w", err)
	}
	p.images = len(images)
	return p, false, nil
}

func readCachedReport(path string) (*Report, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("service reported the artifact unchanged but no cached report exists at %s", path)
	}
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("read cached report: %w", err)
	}
	r.ReportPath = path
	for _, w := range r.Warnings {
		if w == unchangedWarning {
			return &r, nil
		}
	}
	r.Warnings = append([]string{unchangedWarning}, r.Warnings...)
	return &r, nil
}

func writeReport(path string, r *Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
