// Package mirror copies finished snapshot files to object storage in the
// background.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voxelstream.ai/internal/metrics"
)

const maxAttempts = 4

type Stats struct {
	QueueDepth          int    `json:"queue_depth"`
	QueueCapacity       int    `json:"queue_capacity"`
	EnqueuedTotal       uint64 `json:"enqueued_total"`
	QueueSaturatedTotal uint64 `json:"queue_saturated_total"`
	DroppedTotal        uint64 `json:"dropped_total"`
	UploadSuccessTotal  uint64 `json:"upload_success_total"`
	UploadFailTotal     uint64 `json:"upload_fail_total"`
	LastSuccessUnix     int64  `json:"last_success_unix"`
	LastErrorUnix       int64  `json:"last_error_unix"`
}

type Config struct {
	DataDir     string
	Prefix      string
	Workers     int
	QueueSize   int
	EnqueueWait time.Duration
	// Backoff is the base retry delay; attempt n waits n*n*Backoff.
	Backoff time.Duration
}

type Mirror struct {
	up      Uploader
	dataDir string
	prefix  string
	backoff time.Duration
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	jobs        chan string
	enqueueWait time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func New(up Uploader, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	mr := &Mirror{
		up:          up,
		dataDir:     cfg.DataDir,
		prefix:      strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/"),
		backoff:     cfg.Backoff,
		log:         log,
		metrics:     m,
		jobs:        make(chan string, cfg.QueueSize),
		enqueueWait: cfg.EnqueueWait,
	}
	for i := 0; i < cfg.Workers; i++ {
		mr.wg.Add(1)
		go func() {
			defer mr.wg.Done()
			for localPath := range mr.jobs {
				mr.uploadOne(localPath)
			}
		}()
	}
	return mr
}

// Enqueue schedules localPath for upload. When the queue is full it waits
// briefly, then drops the job and reports false.
func (m *Mirror) Enqueue(localPath string) bool {
	if m == nil || m.up == nil {
		return false
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- localPath:
		return true
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
		return true
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.log.Warnw("mirror queue saturated, upload dropped", "local", localPath, "wait", m.enqueueWait, "dropped_total", dropped)
		return false
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		close(m.jobs)
		m.wg.Wait()
	})
	return nil
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.log.Warnw("mirror skip", "local", localPath, "err", err)
		return
	}

	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.metrics.MirrorUpload(false)
		m.log.Errorw("mirror upload failed", "key", key, "local", localPath, "err", err)
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.metrics.MirrorUpload(true)
	m.log.Infow("mirror uploaded", "key", key, "local", localPath)
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.backoff)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}

	key := rel
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	return key, nil
}
