package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/ingest"
)

// ReadEdits scans every hourly edit log under dataDir in time order and
// returns the entries keep accepts. A nil keep accepts everything.
func ReadEdits(dataDir string, keep func(ingest.AuditEntry) bool) ([]ingest.AuditEntry, error) {
	dir := filepath.Join(dataDir, "audit")
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "edits-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []ingest.AuditEntry
	for _, name := range names {
		entries, err := readFile(filepath.Join(dir, name), keep)
		if err != nil {
			return out, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func readFile(path string, keep func(ingest.AuditEntry) bool) ([]ingest.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []ingest.AuditEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e ingest.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}
