package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StateFile reads a WorkspaceState document exported by the manual-override
// tool. A missing file means no workspace is loaded.
type StateFile struct {
	Path string
}

func (f StateFile) ReadManualWorkspaceState(ctx context.Context) (*WorkspaceState, error) {
	var ws WorkspaceState
	found, err := readJSON(f.Path, &ws)
	if err != nil || !found {
		return nil, err
	}
	return &ws, nil
}

const (
	OverridesFile = "manual_overrides.json"
	ReportFile    = "manual_split_report.json"
)

type overridesDoc struct {
	Version int `json:"version"`
	Entries []struct {
		Source        string  `json:"source"`
		LastAppliedAt *string `json:"lastAppliedAt"`
	} `json:"entries"`
}

type reportDoc struct {
	GeneratedAt string `json:"generatedAt"`
	Total       int    `json:"total"`
	Applied     int    `json:"applied"`
	Skipped     int    `json:"skipped"`
}

// WorkspaceDir derives the state from the override and report files of the
// currently loaded workspace directory.
type WorkspaceDir struct {
	mu   sync.RWMutex
	path string
}

func (d *WorkspaceDir) Load(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	d.mu.Lock()
	d.path = filepath.Clean(path)
	d.mu.Unlock()
	return nil
}

func (d *WorkspaceDir) Unload() {
	d.mu.Lock()
	d.path = ""
	d.mu.Unlock()
}

func (d *WorkspaceDir) Path() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path
}

func (d *WorkspaceDir) ReadManualWorkspaceState(ctx context.Context) (*WorkspaceState, error) {
	root := d.Path()
	if root == "" {
		return nil, nil
	}
	ws := &WorkspaceState{WorkspacePath: root}

	var ov overridesDoc
	if _, err := readJSON(filepath.Join(root, OverridesFile), &ov); err != nil {
		return nil, err
	}
	ws.TotalDrafts = len(ov.Entries)
	for _, e := range ov.Entries {
		if e.LastAppliedAt != nil && *e.LastAppliedAt != "" {
			ws.AppliedDrafts++
		} else {
			ws.PendingDrafts++
		}
	}

	reportPath := filepath.Join(root, ReportFile)
	var rep reportDoc
	found, err := readJSON(reportPath, &rep)
	if err != nil {
		return nil, err
	}
	if found {
		ws.ReportPath = reportPath
		ws.ReportSummary = &ReportSummary{
			GeneratedAt: rep.GeneratedAt,
			Total:       rep.Total,
			Applied:     rep.Applied,
			Skipped:     rep.Skipped,
		}
	}
	return ws, nil
}

func readJSON(path string, dst any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
