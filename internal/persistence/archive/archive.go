// Package archive keeps timestamped copies of written snapshots so older
// states can be restored or mirrored under unique keys.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"voxelstream.ai/internal/persistence/snapshot"
)

const stampLayout = "20060102T150405.000Z"

type Meta struct {
	WrittenAt string `json:"written_at"`
	Voxels    int    `json:"voxels"`
	Snapshot  string `json:"snapshot"`
}

// ArchiveSnapshot copies snapshotPath into dataDir/archives/<stamp>/ next to
// a meta.json, then prunes the oldest archives so at most keep remain.
// keep <= 0 keeps everything.
func ArchiveSnapshot(dataDir, snapshotPath string, hdr snapshot.Header, keep int) (string, error) {
	root := filepath.Join(dataDir, "archives")
	dir := filepath.Join(root, hdr.WrittenAt.UTC().Format(stampLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", err
	}

	meta := Meta{
		WrittenAt: hdr.WrittenAt.UTC().Format(stampLayout),
		Voxels:    hdr.Voxels,
		Snapshot:  filepath.Base(dst),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}

	if keep > 0 {
		if err := prune(root, keep); err != nil {
			return dst, fmt.Errorf("prune archives: %w", err)
		}
	}
	return dst, nil
}

// List returns archive directory names, oldest first.
func List(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, "archives"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	// Stamps sort lexically in time order.
	sort.Strings(out)
	return out, nil
}

func prune(root string, keep int) error {
	names, err := List(filepath.Dir(root))
	if err != nil {
		return err
	}
	for len(names) > keep {
		if err := os.RemoveAll(filepath.Join(root, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
