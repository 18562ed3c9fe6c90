package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	log, err := Open(path, "run-1")
	require.NoError(t, err)
	defer log.Close()

	e1, err := log.Append(KindLifecycle, map[string]any{"action": "run_started"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), e1.Seq)

	e2, err := log.Append(KindToolInvoked, map[string]any{"tool": "read_file"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), e2.Seq)
	require.Equal(t, uint64(2), log.LastSeq())
}

func TestOpenResumesSequenceFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	first, err := Open(path, "run-1")
	require.NoError(t, err)
	_, err = first.Append(KindLifecycle, nil)
	require.NoError(t, err)
	_, err = first.Append(KindLifecycle, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path, "run-1")
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, uint64(2), second.LastSeq())

	e3, err := second.Append(KindLifecycle, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), e3.Seq)
}

func TestReadToleratesTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	log, err := Open(path, "run-1")
	require.NoError(t, err)
	_, err = log.Append(KindLifecycle, map[string]any{"action": "run_started"})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"kind":"lifecycle","run_id":"run-1"`) // no closing brace/newline
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := Read(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(1), entries[0].Seq)
}

func TestRotateIfNeededRenamesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	log, err := Open(path, "run-1")
	require.NoError(t, err)
	defer log.Close()
	log.SetMaxSizeBytes(1)

	_, err = log.Append(KindLifecycle, map[string]any{"action": "run_started"})
	require.NoError(t, err)
	_, err = log.Append(KindLifecycle, map[string]any{"action": "run_finalized"})
	require.NoError(t, err)

	require.FileExists(t, path+".1")
}

func TestReadMissingFileReturnsNoEntriesNoError(t *testing.T) {
	entries, err := Read(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	require.Nil(t, entries)
}
