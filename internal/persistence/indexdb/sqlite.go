// Package indexdb keeps a queryable sqlite index of snapshot writes and
// applied edits. The snapshot file and the JSONL audit log stay the source
// of truth; rows are dropped rather than stalling callers.
package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/ingest"
)

const (
	defaultQueueSize = 65536
	commitEvery      = 2000
	commitMaxWait    = 2 * time.Second
)

var ErrClosed = errors.New("indexdb: closed")

// SnapshotRow describes one successful snapshot write.
type SnapshotRow struct {
	WrittenAt time.Time     `json:"written_at"`
	Path      string        `json:"path"`
	Voxels    int           `json:"voxels"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
}

// EditRow is an indexed audit entry.
type EditRow struct {
	Time   time.Time `json:"time"`
	Sender string    `json:"sender"`
	Op     string    `json:"op"`
	Code   string    `json:"code,omitempty"`
	Seq    uint16    `json:"seq"`
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropSnapshots uint64 `json:"drop_snapshots_total"`
	DropEdits     uint64 `json:"drop_edits_total"`
	WriteErrors   uint64 `json:"write_errors_total"`
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed        atomic.Bool
	dropSnapshots atomic.Uint64
	dropEdits     atomic.Uint64
	writeErrors   atomic.Uint64
}

type reqKind int

const (
	reqSnapshot reqKind = iota + 1
	reqEdit
	reqFlush
)

type req struct {
	kind reqKind

	snapshot SnapshotRow
	edit     ingest.AuditEntry
	done     chan struct{}
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection for the writer goroutine, one for admin reads. WAL lets
	// the reader see committed rows while a batch is open.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, defaultQueueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			written_at INTEGER NOT NULL,
			path TEXT NOT NULL,
			voxels INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			duration_us INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS edits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			sender TEXT NOT NULL,
			op TEXT NOT NULL,
			code TEXT,
			seq INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_edits_sender_at ON edits(sender, at);`,
		`CREATE INDEX IF NOT EXISTS idx_edits_code ON edits(code);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains queued rows, commits them and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordSnapshot queues a snapshot row. It never blocks.
func (s *SQLiteIndex) RecordSnapshot(row SnapshotRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: row}:
	default:
		s.dropSnapshots.Add(1)
	}
}

// WriteAudit queues an edit row. A full queue drops the row; the JSONL
// audit log still has it.
func (s *SQLiteIndex) WriteAudit(e ingest.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEdit, edit: e}:
	default:
		s.dropEdits.Add(1)
	}
	return nil
}

// Flush waits until every row queued before the call is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropSnapshots: s.dropSnapshots.Load(),
		DropEdits:     s.dropEdits.Load(),
		WriteErrors:   s.writeErrors.Load(),
	}
}

// RecentSnapshots lists the newest committed snapshot rows first.
func (s *SQLiteIndex) RecentSnapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT written_at, path, voxels, bytes, duration_us FROM snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var (
			r        SnapshotRow
			at, usec int64
		)
		if err := rows.Scan(&at, &r.Path, &r.Voxels, &r.Bytes, &usec); err != nil {
			return nil, err
		}
		r.WrittenAt = time.UnixMicro(at).UTC()
		r.Duration = time.Duration(usec) * time.Microsecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// EditsBySender lists a sender's newest committed edits first.
func (s *SQLiteIndex) EditsBySender(ctx context.Context, sender string, limit int) ([]EditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, sender, op, code, seq FROM edits WHERE sender = ? ORDER BY id DESC LIMIT ?`, sender, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EditRow
	for rows.Next() {
		var (
			r    EditRow
			at   int64
			code sql.NullString
		)
		if err := rows.Scan(&at, &r.Sender, &r.Op, &code, &r.Seq); err != nil {
			return nil, err
		}
		r.Time = time.UnixMicro(at).UTC()
		r.Code = code.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSnapshot, _ := s.db.Prepare(`INSERT INTO snapshots(written_at,path,voxels,bytes,duration_us) VALUES(?,?,?,?,?)`)
	insertEdit, _ := s.db.Prepare(`INSERT INTO edits(at,sender,op,code,seq) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
		if insertEdit != nil {
			_ = insertEdit.Close()
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErrors.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(stmt *sql.Stmt, args ...any) {
		if stmt == nil {
			return
		}
		if _, err := tx.Stmt(stmt).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	ticker := time.NewTicker(commitMaxWait / 4)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.WrittenAt.UnixMicro(), sn.Path, sn.Voxels, sn.Bytes, sn.Duration.Microseconds())
		case reqEdit:
			e := r.edit
			var code any
			if e.Code != "" {
				code = e.Code
			}
			exec(insertEdit, e.Time.UnixMicro(), e.Sender, e.Op, code, int(e.Seq))
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
}
