// Package runrecord implements the content-addressed RunRecord writer
// described in spec §3/§6: one JSON artifact per run under runs/<run_id>.json,
// capturing everything needed to audit or replay the run.
package runrecord

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/localagent/localagent/pkg/config"
	"github.com/localagent/localagent/pkg/model"
	"github.com/localagent/localagent/pkg/telemetry"
	"github.com/oklog/ulid/v2"
)

// SchemaVersion is bumped only for additive changes; consumers must
// preserve unknown fields on round-trip.
const SchemaVersion = 1

// ExitReasonKind is one member of the closed ExitReason taxonomy (spec §7).
type ExitReasonKind string

const (
	ExitCompleted      ExitReasonKind = "completed"
	ExitBudgetExceeded ExitReasonKind = "budget_exceeded"
	ExitPolicyDenied   ExitReasonKind = "policy_denied"
	ExitApprovalDenied ExitReasonKind = "approval_denied"
	ExitProviderFailed ExitReasonKind = "provider_failed"
	ExitMCPFailed      ExitReasonKind = "mcp_failed"
	ExitCancelled      ExitReasonKind = "cancelled"
	ExitInternalError  ExitReasonKind = "internal_error"
)

// ExitReason is the typed outcome of a run. Detail carries the taxonomy's
// payload where one exists: turns|tool_calls|wall_clock for
// BudgetExceeded, a transport/kind string for ProviderFailed/McpFailed/
// InternalError, and is empty otherwise.
type ExitReason struct {
	Kind   ExitReasonKind `json:"kind"`
	Detail string         `json:"detail,omitempty"`
}

// ToolDecision records one gate decision and (if allowed) its execution
// outcome, in the order the loop made them.
type ToolDecision struct {
	Seq         int       `json:"seq"`
	Tool        string    `json:"tool"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Decision    string    `json:"decision"` // allow | deny | require_approval
	RuleID      string    `json:"rule_id,omitempty"`
	ApprovalID  string    `json:"approval_id,omitempty"`
	Auto        bool      `json:"auto,omitempty"`
	Success     *bool     `json:"success,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunRecord is the stable, schema-versioned artifact written once per run.
type RunRecord struct {
	SchemaVersion     int               `json:"schema_version"`
	RunID             string            `json:"run_id"`
	Provider          string            `json:"provider"`
	Model             string            `json:"model"`
	StartedAt         time.Time         `json:"started_at"`
	EndedAt           time.Time         `json:"ended_at"`
	ExitReason        ExitReason        `json:"exit_reason"`
	PolicyHash        string            `json:"policy_hash"`
	ApprovalsHash     string            `json:"approvals_hash"`
	ConfigFingerprint string            `json:"config_fingerprint"`
	MCPCatalogHash    string            `json:"mcp_catalog_hash,omitempty"`
	Events            []telemetry.Event `json:"events"`
	Conversation      []model.Message   `json:"conversation"`
	ToolDecisions     []ToolDecision    `json:"tool_decisions"`
	Budget            config.Budgets    `json:"budget"`
}

// NewRunID mints a new lexically sortable run id.
func NewRunID() string {
	return ulid.Make().String()
}

// Writer persists RunRecords under a runs directory using
// write-temp-then-rename, matching the atomicity discipline used for
// approvals.json.
type Writer struct {
	runsDir string
}

// NewWriter constructs a Writer rooted at runsDir (typically
// config.StatePaths.RunsDir).
func NewWriter(runsDir string) *Writer {
	return &Writer{runsDir: runsDir}
}

func (w *Writer) pathFor(runID string) string {
	return filepath.Join(w.runsDir, runID+".json")
}

// Write serializes rec to runs/<run_id>.json atomically. Called exactly
// once per run, at FINALIZE; a run that refuses to start (e.g. hard MCP
// drift) never calls Write, per spec §8 scenario 5.
func (w *Writer) Write(rec RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("runrecord: run id is required")
	}
	if err := os.MkdirAll(w.runsDir, 0o755); err != nil {
		return fmt.Errorf("runrecord: mkdir %s: %w", w.runsDir, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("runrecord: marshal: %w", err)
	}

	dest := w.pathFor(rec.RunID)
	tmp, err := os.CreateTemp(w.runsDir, ".run-*.tmp")
	if err != nil {
		return fmt.Errorf("runrecord: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("runrecord: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("runrecord: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runrecord: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("runrecord: rename into place: %w", err)
	}
	return nil
}

// Read loads the RunRecord for runID, for replay or audit inspection. It
// decodes into the RunRecord struct as is: fields in the file that the
// struct does not declare are dropped, so a record read and written back
// loses them.
func Read(runsDir, runID string) (RunRecord, error) {
	path := filepath.Join(runsDir, runID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return RunRecord{}, fmt.Errorf("runrecord: read %s: %w", path, err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return RunRecord{}, fmt.Errorf("runrecord: parse %s: %w", path, err)
	}
	return rec, nil
}

// List returns the run ids present under runsDir, unsorted.
func List(runsDir string) ([]string, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runrecord: list %s: %w", runsDir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}
