// Package log keeps append-only JSONL logs, zstd compressed and split into
// one file per UTC hour.
package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"voxelstream.ai/internal/ingest"
)

const hourLayout = "2006-01-02-15"

// segment is the open file for one hour. Each open appends a new zstd
// frame, so a reopened hour stays readable as one stream.
type segment struct {
	hour string
	path string
	file *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	return &segment{hour: hour, path: path, file: f, zw: zw, bw: bufio.NewWriterSize(zw, 64*1024)}, nil
}

// appendLine writes line and pushes it through to the file so a crash
// loses at most the line being written.
func (s *segment) appendLine(line []byte) error {
	if _, err := s.bw.Write(line); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	return s.zw.Flush()
}

func (s *segment) close() error {
	return multierr.Combine(s.bw.Flush(), s.zw.Close(), s.file.Close())
}

// HourlyLog appends JSON values as lines to <dir>/<prefix>-<hour>.jsonl.zst.
type HourlyLog struct {
	dir    string
	prefix string
	clock  clock.Clock

	mu    sync.Mutex
	cur   *segment
	lines uint64
}

func NewHourlyLog(dir, prefix string, clk clock.Clock) *HourlyLog {
	if clk == nil {
		clk = clock.New()
	}
	return &HourlyLog{dir: dir, prefix: prefix, clock: clk}
}

// Path is the file holding lines written at t.
func (l *HourlyLog) Path(t time.Time) string {
	return filepath.Join(l.dir, l.prefix+"-"+t.UTC().Format(hourLayout)+".jsonl.zst")
}

func (l *HourlyLog) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if hour := now.UTC().Format(hourLayout); l.cur == nil || l.cur.hour != hour {
		if err := l.closeCurrent(); err != nil {
			return err
		}
		seg, err := openSegment(l.Path(now), hour)
		if err != nil {
			return err
		}
		l.cur = seg
	}
	if err := l.cur.appendLine(line); err != nil {
		return err
	}
	l.lines++
	return nil
}

// Lines counts values appended since the log was created.
func (l *HourlyLog) Lines() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

func (l *HourlyLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCurrent()
}

func (l *HourlyLog) closeCurrent() error {
	if l.cur == nil {
		return nil
	}
	err := l.cur.close()
	l.cur = nil
	return err
}

// EditLogger records applied edits under <dataDir>/audit.
type EditLogger struct{ log *HourlyLog }

func NewEditLogger(dataDir string, clk clock.Clock) *EditLogger {
	return &EditLogger{log: NewHourlyLog(filepath.Join(dataDir, "audit"), "edits", clk)}
}

func (l *EditLogger) WriteAudit(e ingest.AuditEntry) error { return l.log.Append(e) }
func (l *EditLogger) Written() uint64                      { return l.log.Lines() }
func (l *EditLogger) Close() error                         { return l.log.Close() }
