// Package persistence keeps the shared tree on disk: one load at startup,
// then a rewrite of the snapshot file whenever the tree is dirty.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/persistence/indexdb"
	"voxelstream.ai/internal/persistence/snapshot"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultFile     = "tree.snap.zst"
)

type Config struct {
	DataDir  string
	File     string
	Interval time.Duration
	// ArchiveKeep > 0 copies every snapshot into a timestamped archive and
	// keeps that many.
	ArchiveKeep int
}

// Index records successful writes.
type Index interface {
	RecordSnapshot(indexdb.SnapshotRow)
}

// Mirror uploads finished files somewhere off the host.
type Mirror interface {
	Enqueue(localPath string) bool
}

// Status summarizes the writer for the admin API.
type Status struct {
	Path      string    `json:"path"`
	Writes    uint64    `json:"writes"`
	Failures  uint64    `json:"failures"`
	LastWrite time.Time `json:"last_write,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Voxels    int       `json:"voxels"`
	Bytes     int64     `json:"bytes"`
}

type Manager struct {
	tree    *octree.Octree
	cfg     Config
	path    string
	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	index   Index
	mirror  Mirror

	requests chan struct{}

	mu     sync.Mutex
	status Status
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option         { return func(m *Manager) { m.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(m *Manager) { m.log = l } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithIndex(i Index) Option               { return func(m *Manager) { m.index = i } }
func WithMirror(mr Mirror) Option            { return func(m *Manager) { m.mirror = mr } }

func New(tree *octree.Octree, cfg Config, opts ...Option) *Manager {
	if cfg.File == "" {
		cfg.File = DefaultFile
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Manager{
		tree:     tree,
		cfg:      cfg,
		path:     filepath.Join(cfg.DataDir, cfg.File),
		clock:    clock.New(),
		log:      zap.NewNop().Sugar(),
		requests: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	m.status.Path = m.path
	return m
}

func (m *Manager) Path() string { return m.path }

// Load reads the snapshot file into the tree once. A missing file leaves
// the tree empty. The tree is clean afterwards either way.
func (m *Manager) Load() error {
	snap, err := snapshot.Read(m.path)
	if errors.Is(err, os.ErrNotExist) {
		m.log.Infow("no snapshot, starting fresh", "path", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", m.path, err)
	}

	skipped, err := loadInto(m.tree, snap)
	if err != nil {
		m.log.Warnw("some snapshot voxels were rejected", "path", m.path, "err", err)
	}
	m.log.Infow("snapshot loaded",
		"path", m.path,
		"voxels", humanize.Comma(int64(m.tree.VoxelCount())),
		"skipped", skipped,
		"written_at", snap.Header.WrittenAt,
	)
	return nil
}

// RequestSnapshot asks Run for an immediate Tick. Requests made while one is
// pending are merged.
func (m *Manager) RequestSnapshot() {
	select {
	case m.requests <- struct{}{}:
	default:
	}
}

// Run ticks on the configured interval and on request until ctx is done,
// then ticks once more so a clean shutdown loses nothing.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.tick("shutdown")
			return nil
		case <-ticker.C:
			m.tick("interval")
		case <-m.requests:
			m.tick("request")
		}
	}
}

func (m *Manager) tick(reason string) {
	if _, err := m.Tick(); err != nil {
		m.log.Errorw("snapshot failed", "reason", reason, "err", err)
	}
}

// Tick writes the snapshot if and only if the tree is dirty. The write
// guard is held from collecting voxels until the file is renamed into
// place, so dirty is cleared for exactly the state on disk. On failure the
// previous file and the dirty flag are left as they were.
func (m *Manager) Tick() (bool, error) {
	if !m.tree.IsDirty() {
		return false, nil
	}
	start := m.clock.Now()

	g := m.tree.LockForWrite()
	if !m.tree.IsDirty() {
		g.Unlock()
		return false, nil
	}
	snap := toSnapshot(g.Voxels(), start)
	err := snapshot.Write(m.path, snap)
	if err == nil {
		g.ClearDirty()
	}
	g.Unlock()

	if err != nil {
		m.metrics.SnapshotFailed()
		m.mu.Lock()
		m.status.Failures++
		m.status.LastError = err.Error()
		m.mu.Unlock()
		return false, fmt.Errorf("write snapshot: %w", err)
	}

	took := m.clock.Since(start)
	var size int64
	if st, err := os.Stat(m.path); err == nil {
		size = st.Size()
	}
	m.metrics.SnapshotWritten(len(snap.Voxels))
	m.mu.Lock()
	m.status.Writes++
	m.status.LastWrite = start
	m.status.LastError = ""
	m.status.Voxels = len(snap.Voxels)
	m.status.Bytes = size
	m.mu.Unlock()
	m.log.Infow("snapshot written",
		"path", m.path,
		"voxels", humanize.Comma(int64(len(snap.Voxels))),
		"size", humanize.Bytes(uint64(size)),
		"took", took,
	)

	m.afterWrite(snap.Header, size, took)
	return true, nil
}

// afterWrite feeds the index, the archive and the mirror. None of them can
// fail the tick.
func (m *Manager) afterWrite(hdr snapshot.Header, size int64, took time.Duration) {
	if m.index != nil {
		m.index.RecordSnapshot(indexdb.SnapshotRow{
			WrittenAt: hdr.WrittenAt,
			Path:      m.path,
			Voxels:    hdr.Voxels,
			Bytes:     size,
			Duration:  took,
		})
	}

	upload := m.path
	if m.cfg.ArchiveKeep > 0 {
		archived, err := archive.ArchiveSnapshot(m.cfg.DataDir, m.path, hdr, m.cfg.ArchiveKeep)
		switch {
		case err != nil && archived == "":
			m.log.Warnw("snapshot archive failed", "err", err)
		case err != nil:
			m.log.Warnw("snapshot archive prune failed", "err", err)
			upload = archived
		default:
			upload = archived
		}
	}
	if m.mirror != nil && !m.mirror.Enqueue(upload) {
		m.log.Warnw("snapshot not queued for mirroring", "path", upload)
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func toSnapshot(voxels []octree.Voxel, at time.Time) snapshot.SnapshotV1 {
	out := make([]snapshot.VoxelV1, len(voxels))
	for i, v := range voxels {
		out[i] = snapshot.VoxelV1{Code: []byte(v.Code), Color: [3]uint8(v.Color)}
	}
	return snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, WrittenAt: at.UTC(), Voxels: len(out)},
		Voxels: out,
	}
}

// loadInto replaces the tree's contents with snap and leaves it clean. It
// returns how many stored codes could not be parsed.
func loadInto(tree *octree.Octree, snap snapshot.SnapshotV1) (int, error) {
	voxels := make([]octree.Voxel, 0, len(snap.Voxels))
	skipped := 0
	for _, v := range snap.Voxels {
		code, n, err := octree.ParseCode(v.Code)
		if err != nil || n != len(v.Code) {
			skipped++
			continue
		}
		voxels = append(voxels, octree.Voxel{Code: code.Clone(), Color: octree.Color(v.Color)})
	}
	g := tree.LockForWrite()
	defer g.Unlock()
	err := g.Load(voxels)
	g.ClearDirty()
	return skipped, err
}
