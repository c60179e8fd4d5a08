package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/ingest"
)

func readLines(t *testing.T, path string) []ingest.AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	var out []ingest.AuditEntry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e ingest.AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestEditLoggerRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC))
	l := NewEditLogger(dir, clk)

	require.NoError(t, l.WriteAudit(ingest.AuditEntry{Sender: "a", Op: "set_voxel", Code: "0120", Seq: 1}))
	require.NoError(t, l.WriteAudit(ingest.AuditEntry{Sender: "a", Op: "erase_voxel", Code: "0120", Seq: 2}))
	clk.Add(2 * time.Minute)
	require.NoError(t, l.WriteAudit(ingest.AuditEntry{Sender: "b", Op: "erase-all", Seq: 3}))
	require.NoError(t, l.Close())
	assert.Equal(t, uint64(3), l.Written())

	first := readLines(t, filepath.Join(dir, "audit", "edits-2026-03-01-10.jsonl.zst"))
	require.Len(t, first, 2)
	assert.Equal(t, "erase_voxel", first[1].Op)

	second := readLines(t, filepath.Join(dir, "audit", "edits-2026-03-01-11.jsonl.zst"))
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0].Sender)
}

func TestReopenAppendsToSameHour(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	for i := uint16(1); i <= 2; i++ {
		l := NewEditLogger(dir, clk)
		require.NoError(t, l.WriteAudit(ingest.AuditEntry{Op: "set_voxel", Seq: i}))
		require.NoError(t, l.Close())
	}
	got := readLines(t, filepath.Join(dir, "audit", "edits-2026-03-01-10.jsonl.zst"))
	require.Len(t, got, 2)
	assert.Equal(t, uint16(2), got[1].Seq)
}

func TestReadEditsAcrossHours(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	l := NewEditLogger(dir, clk)
	require.NoError(t, l.WriteAudit(ingest.AuditEntry{Sender: "a", Op: "set_voxel", Seq: 1}))
	clk.Add(time.Hour)
	require.NoError(t, l.WriteAudit(ingest.AuditEntry{Sender: "b", Op: "set_voxel", Seq: 2}))
	require.NoError(t, l.WriteAudit(ingest.AuditEntry{Sender: "a", Op: "erase_voxel", Seq: 3}))
	require.NoError(t, l.Close())

	all, err := ReadEdits(dir, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint16(1), all[0].Seq)

	mine, err := ReadEdits(dir, func(e ingest.AuditEntry) bool { return e.Sender == "a" })
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "erase_voxel", mine[1].Op)

	none, err := ReadEdits(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHourlyLogPathAndLines(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC))
	l := NewHourlyLog(dir, "edits", clk)

	require.NoError(t, l.Append(ingest.AuditEntry{Op: "set_voxel", Seq: 7}))
	require.Error(t, l.Append(func() {}), "unmarshalable values are rejected")
	assert.Equal(t, uint64(1), l.Lines())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	path := l.Path(clk.Now())
	assert.Equal(t, filepath.Join(dir, "edits-2026-03-01-12.jsonl.zst"), path)
	got := readLines(t, path)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(7), got[0].Seq)
}
