package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/internal/telemetry"
	"github.com/vjranagit/timeglass/pkg/types"
)

// WAL is a write-ahead log of completed records, one JSON document per line.
type WAL struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewWAL creates a new WAL file under dataPath/wal.
func NewWAL(dataPath string) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		path:   filename,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Path returns the file backing the WAL.
func (w *WAL) Path() string {
	return w.path
}

// Append writes records to the WAL and syncs them to disk.
func (w *WAL) Append(recs []types.ProfilingRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range recs {
		data, err := types.EncodeRecord(&recs[i])
		if err != nil {
			return fmt.Errorf("failed to encode WAL entry: %w", err)
		}
		if _, err := w.writer.Write(data); err != nil {
			return fmt.Errorf("failed to write to WAL: %w", err)
		}
		if err := w.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}

	return w.syncLocked()
}

// Reset discards everything written so far. Called once the records are
// durable in the store.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.writer.Reset(w.file)
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Close flushes and closes the WAL. When remove is set the file is deleted.
func (w *WAL) Close(remove bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if remove {
		return os.Remove(w.path)
	}
	return nil
}

// ReplayWAL hands the records of every WAL file under dataPath to handler,
// oldest file first, and removes each file the handler accepted. Lines that
// fail to decode (a torn final write) are skipped and logged.
func ReplayWAL(dataPath string, logger zerolog.Logger, handler func([]types.ProfilingRecord) error) (int, error) {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read WAL directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	replayed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := filepath.Join(walPath, entry.Name())
		recs, err := readWALFile(filename, logger)
		if err != nil {
			return replayed, fmt.Errorf("failed to replay %s: %w", filename, err)
		}
		if len(recs) > 0 {
			if err := handler(recs); err != nil {
				return replayed, fmt.Errorf("failed to replay %s: %w", filename, err)
			}
		}
		replayed += len(recs)

		if err := os.Remove(filename); err != nil {
			logger.Warn().Err(err).Str("file", filename).Msg("Failed to remove replayed WAL file")
		}
	}

	return replayed, nil
}

func readWALFile(filename string, logger zerolog.Logger) ([]types.ProfilingRecord, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var recs []types.ProfilingRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		rec, err := types.DecodeRecord(scanner.Bytes())
		if err != nil {
			logger.Warn().Err(err).Str("file", filename).Int("line", line).Msg("Skipping unreadable WAL entry")
			continue
		}
		recs = append(recs, rec)
	}

	return recs, scanner.Err()
}

// BatchConfig configures a BatchWriter.
type BatchConfig struct {
	// QueueSize bounds the records waiting to be written.
	QueueSize int
	// BatchSize flushes as soon as this many records are buffered.
	BatchSize int
	// FlushInterval flushes a partial batch after this long.
	FlushInterval time.Duration
}

// DefaultBatchConfig returns default batch writer configuration
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		QueueSize:     1024,
		BatchSize:     100,
		FlushInterval: 100 * time.Millisecond,
	}
}

// BatchWriter moves completed records and operation timings off the request
// path. Enqueue and EnqueueOperation never block; a background goroutine
// writes batches to the WAL and the store.
//
// A batch the store rejects stays in memory and is retried on the next
// flush, ahead of newer records. At most QueueSize records are held for
// retry; older ones beyond that are counted as dropped.
type BatchWriter struct {
	store   Storage
	wal     *WAL
	cfg     BatchConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	queue    chan types.ProfilingRecord
	opsQueue chan types.QueryMetric
	done     chan struct{}

	mu     sync.RWMutex
	closed bool

	// retry holds records written to the WAL but not yet to the store.
	// Only touched by the flush goroutine, and by Close after it exits.
	retry []types.ProfilingRecord
}

// NewBatchWriter creates a batch writer and starts its flush goroutine. wal
// and metrics may be nil.
func NewBatchWriter(store Storage, wal *WAL, cfg BatchConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *BatchWriter {
	def := DefaultBatchConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}

	bw := &BatchWriter{
		store:    store,
		wal:      wal,
		cfg:      cfg,
		logger:   logger.With().Str("component", "batch_writer").Logger(),
		metrics:  metrics,
		queue:    make(chan types.ProfilingRecord, cfg.QueueSize),
		opsQueue: make(chan types.QueryMetric, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	go bw.run()

	return bw
}

// Enqueue hands a record to the writer. It returns false when the record was
// dropped because the queue is full or the writer is closed.
func (bw *BatchWriter) Enqueue(rec types.ProfilingRecord) bool {
	bw.mu.RLock()
	defer bw.mu.RUnlock()

	if bw.closed {
		bw.metrics.RecordDropped()
		return false
	}

	select {
	case bw.queue <- rec:
		bw.metrics.SetQueueDepth(len(bw.queue))
		return true
	default:
		bw.metrics.RecordDropped()
		bw.logger.Warn().Str("request_id", rec.RequestID).Int("queue_size", bw.cfg.QueueSize).Msg("Record queue full, dropping record")
		return false
	}
}

// EnqueueOperation hands an operation timing to the writer. It returns false
// when the timing was dropped.
func (bw *BatchWriter) EnqueueOperation(m types.QueryMetric) bool {
	bw.mu.RLock()
	defer bw.mu.RUnlock()

	if bw.closed {
		bw.metrics.OperationDropped()
		return false
	}

	select {
	case bw.opsQueue <- m:
		return true
	default:
		bw.metrics.OperationDropped()
		bw.logger.Debug().Str("request_id", m.RequestID).Msg("Operation queue full, dropping timing")
		return false
	}
}

// Pending returns the number of queued records not yet picked up.
func (bw *BatchWriter) Pending() int {
	return len(bw.queue)
}

func (bw *BatchWriter) run() {
	defer close(bw.done)

	ticker := time.NewTicker(bw.cfg.FlushInterval)
	defer ticker.Stop()

	queue, opsQueue := bw.queue, bw.opsQueue
	batch := make([]types.ProfilingRecord, 0, bw.cfg.BatchSize)
	var ops []types.QueryMetric

	for queue != nil || opsQueue != nil {
		select {
		case rec, ok := <-queue:
			if !ok {
				queue = nil
				continue
			}
			batch = append(batch, rec)
			if len(batch) >= bw.cfg.BatchSize {
				bw.flush(batch)
				batch = batch[:0]
			}
		case m, ok := <-opsQueue:
			if !ok {
				opsQueue = nil
				continue
			}
			ops = append(ops, m)
			if len(ops) >= bw.cfg.BatchSize {
				bw.flushOperations(ops)
				ops = ops[:0]
			}
		case <-ticker.C:
			bw.flush(batch)
			batch = batch[:0]
			bw.flushOperations(ops)
			ops = ops[:0]
		}
		bw.metrics.SetQueueDepth(len(bw.queue))
	}

	bw.flush(batch)
	bw.flushOperations(ops)
}

func (bw *BatchWriter) flush(batch []types.ProfilingRecord) {
	if len(batch) == 0 && len(bw.retry) == 0 {
		return
	}

	// Records held for retry are already in the WAL.
	if bw.wal != nil && len(batch) > 0 {
		if err := bw.wal.Append(batch); err != nil {
			bw.logger.Error().Err(err).Int("records", len(batch)).Msg("WAL append failed")
		}
	}

	pending := make([]types.ProfilingRecord, 0, len(bw.retry)+len(batch))
	pending = append(pending, bw.retry...)
	pending = append(pending, batch...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := bw.store.SaveRecords(ctx, pending); err != nil {
		bw.metrics.FlushFailed()
		bw.logger.Error().Err(err).Int("records", len(pending)).Msg("Batch write failed, will retry")
		bw.holdForRetry(pending)
		return
	}
	bw.retry = nil
	bw.metrics.RecordsFlushed(len(pending))

	if bw.wal != nil {
		if err := bw.wal.Reset(); err != nil {
			bw.logger.Warn().Err(err).Msg("Failed to reset WAL")
		}
	}
}

func (bw *BatchWriter) holdForRetry(pending []types.ProfilingRecord) {
	if over := len(pending) - bw.cfg.QueueSize; over > 0 {
		for range over {
			bw.metrics.RecordDropped()
		}
		bw.logger.Warn().Int("records", over).Msg("Retry buffer full, dropping oldest records")
		pending = pending[over:]
	}
	bw.retry = pending
}

func (bw *BatchWriter) flushOperations(ops []types.QueryMetric) {
	if len(ops) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := range ops {
		if err := bw.store.SaveQueryMetric(ctx, &ops[i]); err != nil {
			bw.metrics.OperationDropped()
			bw.logger.Warn().Err(err).Str("request_id", ops[i].RequestID).Str("operation", ops[i].Operation).Msg("Failed to save operation timing")
		}
	}
}

// Close stops accepting records, writes everything still queued and closes
// the WAL. The WAL file is kept when records are still waiting for a retry,
// so the next start replays them.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	close(bw.queue)
	close(bw.opsQueue)
	bw.mu.Unlock()

	<-bw.done

	if n := len(bw.retry); n > 0 {
		bw.logger.Warn().Int("records", n).Msg("Records left unwritten, keeping WAL for replay")
	}
	if bw.wal == nil {
		return nil
	}
	if err := bw.wal.Close(len(bw.retry) == 0); err != nil {
		return fmt.Errorf("failed to close WAL: %w", err)
	}
	return nil
}
