package runrecord

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/localagent/localagent/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	rec := RunRecord{
		SchemaVersion: SchemaVersion,
		RunID:         "run-abc",
		Provider:      "lmstudio",
		Model:         "qwen2.5-coder",
		StartedAt:     time.Now().UTC().Truncate(time.Second),
		EndedAt:       time.Now().UTC().Truncate(time.Second),
		ExitReason:    ExitReason{Kind: ExitCompleted},
		PolicyHash:    "abc123",
		ApprovalsHash: "def456",
		ToolDecisions: []ToolDecision{
			{Seq: 1, Tool: "read_file", Decision: "allow", Timestamp: time.Now().UTC().Truncate(time.Second)},
		},
		Budget: config.DefaultBudgets(),
	}

	require.NoError(t, w.Write(rec))
	require.FileExists(t, filepath.Join(dir, "run-abc.json"))

	got, err := Read(dir, "run-abc")
	require.NoError(t, err)
	require.Equal(t, rec.RunID, got.RunID)
	require.Equal(t, rec.ExitReason, got.ExitReason)
	require.Len(t, got.ToolDecisions, 1)
	require.Equal(t, "read_file", got.ToolDecisions[0].Tool)
}

func TestWriteRejectsEmptyRunID(t *testing.T) {
	w := NewWriter(t.TempDir())
	err := w.Write(RunRecord{})
	require.Error(t, err)
}

func TestListReturnsWrittenRunIDs(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	require.NoError(t, w.Write(RunRecord{RunID: "run-1", ExitReason: ExitReason{Kind: ExitCompleted}}))
	require.NoError(t, w.Write(RunRecord{RunID: "run-2", ExitReason: ExitReason{Kind: ExitCancelled}}))

	ids, err := List(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"run-1", "run-2"}, ids)
}

func TestListMissingDirReturnsNoError(t *testing.T) {
	ids, err := List(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Nil(t, ids)
}

func TestNewRunIDIsLexicallySortableAndUnique(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	require.NotEqual(t, a, b)
	require.Len(t, a, 26) // ULID canonical string length
}
