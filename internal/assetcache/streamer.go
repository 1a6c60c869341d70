// Package assetcache decompresses, verifies and extracts content bundles into a
// per-bundle disk cache, evicting the oldest bundles when the cache exceeds its quota.
package assetcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/config"
	"github.com/iggydv12/coopsync/internal/metrics"
	"github.com/iggydv12/coopsync/internal/workqueue"
)

const (
	DefaultQuotaBytes     int64 = 128 << 20
	DefaultMaxBundleBytes       = 64 << 20
	initialBufferBytes          = 5 << 20
)

// Task is one compressed bundle awaiting extraction.
type Task struct {
	BundleID uint16
	Data     []byte
}

// Result reports the outcome of one Task.
type Result struct {
	BundleID uint16 `json:"bundleID"`
	Success  bool   `json:"success"`
}

// Streamer owns the single background worker that processes bundle tasks.
type Streamer struct {
	root     string
	quota    int64
	maxBytes int

	tasks   *workqueue.Queue[Task]
	results *workqueue.Queue[Result]

	fpMu         sync.Mutex
	fingerprints map[uint16]string

	dec *zstd.Decoder
	buf []byte // reused decompression buffer, only touched by the worker

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a Streamer rooted at cfg.Dir. m may be nil.
func New(cfg config.CacheConfig, m *metrics.Metrics, logger *zap.Logger) (*Streamer, error) {
	quota := cfg.QuotaBytes
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}
	maxBytes := cfg.MaxBundleBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBundleBytes
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxBytes)))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Streamer{
		root:         cfg.Dir,
		quota:        quota,
		maxBytes:     maxBytes,
		tasks:        workqueue.New[Task](0),
		results:      workqueue.New[Result](0),
		fingerprints: make(map[uint16]string),
		dec:          dec,
		buf:          make([]byte, 0, min(initialBufferBytes, maxBytes)),
		metrics:      m,
		logger:       logger,
	}, nil
}

// Start launches the worker. It is a no-op if already running.
func (s *Streamer) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("Asset streamer started", zap.String("root", s.root), zap.Int64("quota", s.quota))
}

// Stop signals the worker and waits for it. A task already in progress completes.
func (s *Streamer) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// Close stops the worker and releases the decoder.
func (s *Streamer) Close() {
	s.Stop()
	s.dec.Close()
}

func (s *Streamer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		task, err := s.tasks.Pop(ctx)
		if err != nil {
			return
		}
		s.results.Push(s.Process(task))
	}
}

// Submit queues a task for the worker.
func (s *Streamer) Submit(t Task) bool {
	return s.tasks.Push(t)
}

// Poll returns the next finished result without blocking.
func (s *Streamer) Poll() (Result, bool) {
	return s.results.TryPop()
}

// Pending returns the number of tasks not yet picked up.
func (s *Streamer) Pending() int {
	return s.tasks.Len()
}

// Root is the cache directory.
func (s *Streamer) Root() string { return s.root }

// Fingerprint returns the fingerprint of the payload last applied for id.
func (s *Streamer) Fingerprint(id uint16) (string, bool) {
	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	fp, ok := s.fingerprints[id]
	return fp, ok
}

// Process decompresses and extracts one bundle synchronously. It must only be called
// from one goroutine at a time; the worker loop is that goroutine once Start is called.
func (s *Streamer) Process(t Task) Result {
	log := s.logger.With(zap.Uint16("bundle", t.BundleID))
	fail := func(reason string) Result {
		s.metrics.Bundle(reason)
		return Result{BundleID: t.BundleID}
	}

	out, err := s.dec.DecodeAll(t.Data, s.buf[:0])
	if err != nil {
		log.Warn("Bundle decompression failed", zap.Error(err))
		return fail("decompress_error")
	}
	if cap(out) > cap(s.buf) {
		s.buf = out[:0]
	}

	fp := Fingerprint(t.Data)
	if prev, ok := s.Fingerprint(t.BundleID); ok && prev == fp {
		log.Debug("Bundle unchanged, skipping extraction", zap.String("fingerprint", fp))
		s.metrics.Bundle("unchanged")
		return Result{BundleID: t.BundleID, Success: true}
	}

	dir := filepath.Join(s.root, strconv.Itoa(int(t.BundleID)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error("Create bundle directory failed", zap.Error(err))
		return fail("io_error")
	}

	written := 0
	truncated, err := walkRecords(out, func(path string, content []byte) error {
		rel, ok := localPath(path)
		if !ok {
			log.Warn("Skipping bundle record outside bundle directory", zap.String("path", path))
			return nil
		}
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		log.Error("Bundle write failed", zap.Int("written", written), zap.Error(err))
		return fail("io_error")
	}
	if truncated {
		log.Warn("Bundle framing truncated, keeping records already written", zap.Int("written", written))
	}

	now := time.Now()
	if err := os.Chtimes(dir, now, now); err != nil {
		log.Warn("Touch bundle directory failed", zap.Error(err))
	}
	s.fpMu.Lock()
	s.fingerprints[t.BundleID] = fp
	s.fpMu.Unlock()

	s.enforce()
	log.Info("Bundle extracted", zap.Int("files", written), zap.String("fingerprint", fp))
	s.metrics.Bundle("extracted")
	return Result{BundleID: t.BundleID, Success: true}
}

func (s *Streamer) enforce() {
	removed, remaining, err := enforceQuota(s.root, s.quota)
	if err != nil {
		s.logger.Error("Cache quota enforcement failed", zap.Error(err))
	}
	if len(removed) > 0 {
		s.fpMu.Lock()
		for _, name := range removed {
			if id, err := strconv.ParseUint(name, 10, 16); err == nil {
				delete(s.fingerprints, uint16(id))
			}
		}
		s.fpMu.Unlock()
		s.logger.Info("Evicted bundles over quota", zap.Strings("bundles", removed), zap.Int64("remaining", remaining))
	}
	s.metrics.Evicted(len(removed), remaining)
}
