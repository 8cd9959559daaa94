package artifact

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

// Extraction limits. Variables so tests can lower them.
var (
	maxEntries          = 50_000
	maxEntryBytes int64 = 2 << 30
	maxTotalBytes int64 = 16 << 30
)

var ErrArchiveTooLarge = errors.New("archive exceeds extraction limits")

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
	".bmp": true, ".tif": true, ".tiff": true, ".gif": true,
}

func isImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// ArchiveName names the local archive "<volume:04>_<title>.zip" when the job
// carries usable metadata, otherwise "<jobId>.zip". The warnings explain a fallback.
func ArchiveName(md *jobs.Metadata, jobID string) (string, []string) {
	var warnings []string
	switch {
	case md == nil:
		warnings = append(warnings, "job has no metadata; naming archive after the job id")
	case strings.TrimSpace(md.Title) == "" || strings.TrimSpace(md.Volume) == "":
		warnings = append(warnings, "title or volume missing; naming archive after the job id")
	default:
		title := sanitize(md.Title)
		vol, ok := volumeNumber(md.Volume)
		if title == "" {
			warnings = append(warnings, "title is empty after cleanup; naming archive after the job id")
		} else if !ok {
			warnings = append(warnings, "volume is not numeric; naming archive after the job id")
		} else {
			return fmt.Sprintf("%s_%s.zip", vol, title), nil
		}
	}

	if id := sanitize(jobID); id != "" {
		return id + ".zip", warnings
	}
	return "artifact.zip", warnings
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

func volumeNumber(raw string) (string, bool) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n, err := strconv.ParseUint(digits.String(), 10, 32)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%04d", n), true
}

// jobDir is the per-job extraction directory name.
func jobDir(jobID string) string {
	d := sanitize(jobID)
	if d == "" || d == "." || d == ".." {
		return "artifact"
	}
	return d
}

// extract unpacks src into dir and returns the image files, relative to dir
// with forward slashes. Entries that would land outside dir are skipped.
func extract(src, dir string) (images []string, skipped []string, err error) {
	zr, err := zip.OpenReader(src)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if len(zr.File) > maxEntries {
		return nil, nil, fmt.Errorf("%w: %d entries, limit %d", ErrArchiveTooLarge, len(zr.File), maxEntries)
	}

	var total int64
	for _, f := range zr.File {
		rel, ok := safeRel(f.Name)
		if !ok {
			skipped = append(skipped, f.Name)
			continue
		}
		out := filepath.Join(dir, rel)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return nil, nil, err
		}
		limit := maxEntryBytes
		if left := maxTotalBytes - total; left < limit {
			limit = left
		}
		n, err := writeEntry(f, out, limit)
		if err != nil {
			return nil, nil, err
		}
		total += n
		if isImage(out) {
			images = append(images, filepath.ToSlash(rel))
		}
	}
	sort.Strings(images)
	return images, skipped, nil
}

func safeRel(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
		return "", false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", false
		}
	}
	rel := filepath.Clean(filepath.FromSlash(name))
	if rel == "." {
		return "", false
	}
	return rel, true
}

// writeEntry copies at most limit bytes of f to out. The declared size is
// checked first, the copy is bounded in case the header lies.
func writeEntry(f *zip.File, out string, limit int64) (int64, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return 0, fmt.Errorf("%w: %s declares %d bytes", ErrArchiveTooLarge, f.Name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	w, err := os.Create(out)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyN(w, rc, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		w.Close()
		return n, err
	}
	if n > limit {
		w.Close()
		_ = os.Remove(out)
		return n, fmt.Errorf("%w: %s is larger than %d bytes", ErrArchiveTooLarge, f.Name, limit)
	}
	return n, w.Close()
}

// repack writes the given files of dir into an uncompressed zip at dst.
func repack(dir string, files []string, dst string) error {
	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	for _, name := range files {
		if err := addStored(zw, filepath.Join(dir, filepath.FromSlash(name)), name); err != nil {
			zw.Close()
			w.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func addStored(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}
