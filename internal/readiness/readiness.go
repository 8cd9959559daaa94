// Package readiness decides whether the manual-override workspace allows
// job-mutating actions. The workspace belongs to another tool and can change
// at any time, so state is read again on every check.
package readiness

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/suPer8Hu/upscale-tracker/internal/common"
)

// RenameOutcome is the part of the rename pipeline's result the gate looks at.
type RenameOutcome struct {
	Directory            string `json:"directory"`
	ManifestPath         string `json:"manifestPath,omitempty"`
	SplitWorkspace       string `json:"splitWorkspace,omitempty"`
	SplitReportPath      string `json:"splitReportPath,omitempty"`
	SplitManualOverrides bool   `json:"splitManualOverrides"`
}

type ReportSummary struct {
	GeneratedAt string `json:"generatedAt,omitempty"`
	Total       int    `json:"total"`
	Applied     int    `json:"applied"`
	Skipped     int    `json:"skipped"`
}

// WorkspaceState is what the manual-override tool currently exposes.
type WorkspaceState struct {
	WorkspacePath string         `json:"workspacePath,omitempty"`
	TotalDrafts   int            `json:"totalDrafts"`
	AppliedDrafts int            `json:"appliedDrafts"`
	PendingDrafts int            `json:"pendingDrafts"`
	ReportPath    string         `json:"reportPath,omitempty"`
	ReportSummary *ReportSummary `json:"reportSummary,omitempty"`
}

type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func ok() Result { return Result{OK: true} }

func blocked(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Evaluate applies the checks in order and stops at the first failure.
// A nil ws means no workspace is loaded.
func Evaluate(outcome *RenameOutcome, ws *WorkspaceState) Result {
	if outcome == nil || !outcome.SplitManualOverrides {
		return ok()
	}
	if ws == nil || ws.WorkspacePath == "" {
		return blocked("manual override workspace is not loaded; reload it before continuing")
	}
	if outcome.SplitWorkspace != "" && !samePath(ws.WorkspacePath, outcome.SplitWorkspace) {
		return blocked("loaded workspace %s does not match the rename workspace %s", ws.WorkspacePath, outcome.SplitWorkspace)
	}
	if ws.TotalDrafts == 0 {
		return blocked("manual override workspace is not initialized yet")
	}
	if ws.AppliedDrafts == 0 {
		return blocked("no manual overrides have been applied yet")
	}
	pending := ws.PendingDrafts
	if gap := ws.TotalDrafts - ws.AppliedDrafts; gap > pending {
		pending = gap
	}
	if pending > 0 {
		return blocked("%d manual override(s) still pending; apply them before continuing", pending)
	}
	if ws.ReportPath == "" {
		return blocked("manual split report is missing; re-apply overrides to regenerate it")
	}
	if r := ws.ReportSummary; r != nil && r.Applied < r.Total {
		return blocked("manual split report lists %d page(s) not yet applied", r.Total-r.Applied)
	}
	return ok()
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// WorkspaceReader exposes the manual-override tool's current state.
// It returns nil, nil when no workspace is loaded.
type WorkspaceReader interface {
	ReadManualWorkspaceState(ctx context.Context) (*WorkspaceState, error)
}

// Outcome holds the latest rename outcome.
type Outcome struct {
	mu  sync.RWMutex
	cur *RenameOutcome
}

func (o *Outcome) Set(r *RenameOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r == nil {
		o.cur = nil
		return
	}
	cp := *r
	o.cur = &cp
}

func (o *Outcome) Get() *RenameOutcome {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.cur == nil {
		return nil
	}
	cp := *o.cur
	return &cp
}

// Gate evaluates readiness against fresh state on every call.
type Gate struct {
	outcome *Outcome
	reader  WorkspaceReader
}

func NewGate(outcome *Outcome, reader WorkspaceReader) *Gate {
	return &Gate{outcome: outcome, reader: reader}
}

func (g *Gate) Evaluate(ctx context.Context) Result {
	outcome := g.outcome.Get()
	if outcome == nil || !outcome.SplitManualOverrides {
		return ok()
	}
	if g.reader == nil {
		return Evaluate(outcome, nil)
	}
	ws, err := g.reader.ReadManualWorkspaceState(ctx)
	if err != nil {
		return blocked("cannot read manual override workspace: %v", err)
	}
	return Evaluate(outcome, ws)
}

// Check returns a readiness error when the guarded action must not run.
func (g *Gate) Check(ctx context.Context) error {
	if r := g.Evaluate(ctx); !r.OK {
		return common.ReadinessError(r.Reason)
	}
	return nil
}
