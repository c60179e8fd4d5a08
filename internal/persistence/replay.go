package persistence

import (
	"fmt"
	"time"

	"voxelstream.ai/internal/ingest"
	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/protocol"
)

// ReplayResult counts what Replay did with each audit entry.
type ReplayResult struct {
	Applied int
	Ignored int // before since, or a no-op against the current tree
	Invalid int
}

// Replay applies audit entries recorded after since to tree, in order. It
// recovers edits made between the last snapshot and a crash.
func Replay(tree *octree.Octree, entries []ingest.AuditEntry, since time.Time) ReplayResult {
	var res ReplayResult
	g := tree.LockForWrite()
	defer g.Unlock()
	for _, e := range entries {
		if !e.Time.After(since) {
			res.Ignored++
			continue
		}
		switch e.Op {
		case ingest.CommandEraseAll:
			g.Clear()
			res.Applied++
			continue
		case protocol.KindSetVoxel.String(), protocol.KindSetVoxelDestructive.String(), protocol.KindEraseVoxel.String():
		default:
			res.Invalid++
			continue
		}
		code, err := octree.ParseHexCode(e.Code)
		if err != nil {
			res.Invalid++
			continue
		}
		if e.Op == protocol.KindEraseVoxel.String() {
			if g.Erase(code) {
				res.Applied++
			} else {
				res.Ignored++
			}
			continue
		}
		if e.Color == nil {
			res.Invalid++
			continue
		}
		if _, err := g.SetVoxel(code, *e.Color, e.Op == protocol.KindSetVoxelDestructive.String()); err != nil {
			res.Ignored++
			continue
		}
		res.Applied++
	}
	return res
}

// ReadInto loads the snapshot at path into tree and returns its header.
func ReadInto(path string, tree *octree.Octree) (snapshot.Header, error) {
	snap, err := snapshot.Read(path)
	if err != nil {
		return snapshot.Header{}, err
	}
	skipped, err := loadInto(tree, snap)
	if err == nil && skipped > 0 {
		err = fmt.Errorf("%s: %d unreadable codes", path, skipped)
	}
	return snap.Header, err
}

// WriteTree writes tree to path as a snapshot stamped at.
func WriteTree(path string, tree *octree.Octree, at time.Time) (snapshot.Header, error) {
	g := tree.LockForRead()
	snap := toSnapshot(g.Voxels(), at)
	g.Unlock()
	return snap.Header, snapshot.Write(path, snap)
}
