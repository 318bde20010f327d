package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/pkg/types"
)

var (
	// ErrClosed is returned by every method once the storage is closed.
	ErrClosed = errors.New("storage is closed")
	// ErrReadOnly is returned by writes on a storage opened read-only.
	ErrReadOnly = errors.New("storage is read-only")
)

// TimeRange bounds a scan. Nil ends are open; both ends are inclusive.
type TimeRange struct {
	From *time.Time
	To   *time.Time
}

// Storage is the profiling sink and its read side.
type Storage interface {
	// SaveRecord stores a completed record, replacing any record with the
	// same request id.
	SaveRecord(ctx context.Context, rec *types.ProfilingRecord) error

	// SaveRecords stores records in as few transactions as possible.
	SaveRecords(ctx context.Context, recs []types.ProfilingRecord) error

	// SaveSnapshot stores a snapshot and assigns its sequence number.
	SaveSnapshot(ctx context.Context, snap *types.SystemSnapshot) error

	// SaveQueryMetric stores a sub-operation timing.
	SaveQueryMetric(ctx context.Context, m *types.QueryMetric) error

	// GetRecord returns the record for id; found is false when absent.
	GetRecord(ctx context.Context, id string) (rec types.ProfilingRecord, found bool, err error)

	// ScanRecords visits records newest first by start time, ties broken by
	// the later write first, until fn returns false.
	ScanRecords(ctx context.Context, r TimeRange, fn func(types.ProfilingRecord) bool) error

	// ScanAllRecords visits every record in no particular order.
	ScanAllRecords(ctx context.Context, fn func(types.ProfilingRecord) bool) error

	// ScanSnapshots visits snapshots newest first until fn returns false.
	ScanSnapshots(ctx context.Context, r TimeRange, fn func(types.SystemSnapshot) bool) error

	// QueryMetrics returns the sub-operation timings of a request in write order.
	QueryMetrics(ctx context.Context, requestID string) ([]types.QueryMetric, error)

	// Close closes the storage
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path string
	// InMemory keeps everything in memory; Path is ignored.
	InMemory bool
	// ReadOnly opens an existing store for reads only.
	ReadOnly bool
	// RetentionDays expires entries after the given number of days; 0 keeps them.
	RetentionDays    int
	CompressionLevel int
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./timeglass-data",
		RetentionDays:    30,
		CompressionLevel: 3,
	}
}

// badgerStorage implements Storage using BadgerDB. Writers are serialized by
// mu; readers use badger read transactions and never take mu.
type badgerStorage struct {
	cfg        *Config
	db         *badger.DB
	compressor *Compressor
	logger     zerolog.Logger
	ttl        time.Duration

	recordSeq   *badger.Sequence
	snapshotSeq *badger.Sequence
	metricSeq   *badger.Sequence

	mu     sync.Mutex
	closed atomic.Bool

	stopGC chan struct{}
	gcDone chan struct{}
}

const (
	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// recordEnvelope is the stored value under r/<id>.
type recordEnvelope struct {
	Seq      uint64          `json:"seq"`
	OrderKey []byte          `json:"order_key"`
	Record   json.RawMessage `json:"record"`
}

// NewStorage opens (or creates) the badger store.
func NewStorage(cfg *Config, logger zerolog.Logger) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger = logger.With().Str("component", "storage").Logger()

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(cfg.Path, "badger")).WithReadOnly(cfg.ReadOnly)
	}
	opts = opts.WithLogger(badgerLogger{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &badgerStorage{
		cfg:        cfg,
		db:         db,
		compressor: compressor,
		logger:     logger,
	}
	if cfg.RetentionDays > 0 {
		s.ttl = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}

	if cfg.ReadOnly {
		logger.Info().Str("path", cfg.Path).Msg("Storage opened read-only")
		return s, nil
	}

	for _, seq := range []struct {
		dst **badger.Sequence
		key []byte
	}{
		{&s.recordSeq, recordSeqKey},
		{&s.snapshotSeq, snapshotSeqKey},
		{&s.metricSeq, metricSeqKey},
	} {
		*seq.dst, err = db.GetSequence(seq.key, 100)
		if err != nil {
			s.releaseSequences()
			compressor.Close()
			db.Close()
			return nil, fmt.Errorf("failed to open sequence %s: %w", seq.key, err)
		}
	}

	if !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC()
	}

	logger.Info().
		Bool("in_memory", cfg.InMemory).
		Str("path", cfg.Path).
		Int("retention_days", cfg.RetentionDays).
		Msg("Storage opened")

	return s, nil
}

// SaveRecord implements Storage.SaveRecord
func (s *badgerStorage) SaveRecord(ctx context.Context, rec *types.ProfilingRecord) error {
	return s.SaveRecords(ctx, []types.ProfilingRecord{*rec})
}

// SaveRecords implements Storage.SaveRecords
func (s *badgerStorage) SaveRecords(ctx context.Context, recs []types.ProfilingRecord) error {
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}

	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.putRecord(txn, &recs[i])
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("failed to commit records: %w", err)
			}
			txn = s.db.NewTransaction(true)
			err = s.putRecord(txn, &recs[i])
		}
		if err != nil {
			return fmt.Errorf("failed to save record %s: %w", recs[i].RequestID, err)
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

// putRecord writes one record and its ordering key, dropping the ordering
// key of a record previously stored under the same id.
func (s *badgerStorage) putRecord(txn *badger.Txn, rec *types.ProfilingRecord) error {
	payload, err := types.EncodeRecord(rec)
	if err != nil {
		return err
	}

	key := recordKey(rec.RequestID)
	item, err := txn.Get(key)
	switch {
	case err == nil:
		old, err := s.readEnvelope(item)
		if err != nil {
			return err
		}
		if err := txn.Delete(old.OrderKey); err != nil {
			return err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}

	seq, err := s.recordSeq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	env := recordEnvelope{
		Seq:      seq,
		OrderKey: orderKey(rec.StartTime, seq),
		Record:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := txn.SetEntry(s.entry(key, s.compressor.Compress(data))); err != nil {
		return err
	}
	return txn.SetEntry(s.entry(env.OrderKey, []byte(rec.RequestID)))
}

// SaveSnapshot implements Storage.SaveSnapshot
func (s *badgerStorage) SaveSnapshot(ctx context.Context, snap *types.SystemSnapshot) error {
	if snap.Timestamp.IsZero() {
		return errors.New("snapshot timestamp is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}

	seq, err := s.snapshotSeq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	seq++

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(snapshotKey(snap.Timestamp, seq), s.compressor.Compress(data)))
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	snap.Seq = seq
	return nil
}

// SaveQueryMetric implements Storage.SaveQueryMetric
func (s *badgerStorage) SaveQueryMetric(ctx context.Context, m *types.QueryMetric) error {
	if m.RequestID == "" || m.Operation == "" {
		return errors.New("query metric needs a request id and an operation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}

	seq, err := s.metricSeq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal query metric: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(metricKey(m.RequestID, seq), s.compressor.Compress(data)))
	})
	if err != nil {
		return fmt.Errorf("failed to save query metric: %w", err)
	}
	return nil
}

// GetRecord implements Storage.GetRecord
func (s *badgerStorage) GetRecord(ctx context.Context, id string) (types.ProfilingRecord, bool, error) {
	if s.closed.Load() {
		return types.ProfilingRecord{}, false, ErrClosed
	}

	var (
		rec   types.ProfilingRecord
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		r, ok, err := s.lookupRecord(txn, id)
		rec, found = r, ok
		return err
	})
	if err != nil {
		return types.ProfilingRecord{}, false, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return rec, found, nil
}

// ScanRecords implements Storage.ScanRecords
func (s *badgerStorage) ScanRecords(ctx context.Context, r TimeRange, fn func(types.ProfilingRecord) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(upperBound(orderPrefix, r.To)); it.ValidForPrefix(orderPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			start, _, ok := keyTimeSeq(item.Key())
			if !ok {
				continue
			}
			if r.From != nil && start.Before(*r.From) {
				return nil
			}

			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, found, err := s.lookupRecord(txn, string(id))
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// ScanAllRecords implements Storage.ScanAllRecords
func (s *badgerStorage) ScanAllRecords(ctx context.Context, fn func(types.ProfilingRecord) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			env, err := s.readEnvelope(it.Item())
			if err != nil {
				return err
			}
			rec, err := types.DecodeRecord(env.Record)
			if err != nil {
				return err
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// ScanSnapshots implements Storage.ScanSnapshots
func (s *badgerStorage) ScanSnapshots(ctx context.Context, r TimeRange, fn func(types.SystemSnapshot) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(upperBound(snapshotPrefix, r.To)); it.ValidForPrefix(snapshotPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			ts, seq, ok := keyTimeSeq(item.Key())
			if !ok {
				continue
			}
			if r.From != nil && ts.Before(*r.From) {
				return nil
			}

			data, err := s.readValue(item)
			if err != nil {
				return err
			}
			var snap types.SystemSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			snap.Seq = seq
			if !fn(snap) {
				return nil
			}
		}
		return nil
	})
}

// QueryMetrics implements Storage.QueryMetrics
func (s *badgerStorage) QueryMetrics(ctx context.Context, requestID string) ([]types.QueryMetric, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	metrics := []types.QueryMetric{}
	prefix := metricKeyPrefix(requestID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := s.readValue(it.Item())
			if err != nil {
				return err
			}
			var m types.QueryMetric
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("failed to unmarshal query metric: %w", err)
			}
			metrics = append(metrics, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read query metrics for %s: %w", requestID, err)
	}
	return metrics, nil
}

// Close implements Storage.Close
func (s *badgerStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	s.releaseSequences()
	s.compressor.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	s.logger.Info().Msg("Storage closed")
	return nil
}

// runGC reclaims value-log space left behind by replaced and expired entries.
func (s *badgerStorage) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			rewrites := 0
			for s.db.RunValueLogGC(gcDiscardRatio) == nil {
				rewrites++
			}
			if rewrites > 0 {
				s.logger.Debug().Int("rewrites", rewrites).Msg("Value log GC")
			}
		}
	}
}

func (s *badgerStorage) writable() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

func (s *badgerStorage) releaseSequences() {
	for _, seq := range []*badger.Sequence{s.recordSeq, s.snapshotSeq, s.metricSeq} {
		if seq == nil {
			continue
		}
		if err := seq.Release(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release sequence")
		}
	}
}

func (s *badgerStorage) lookupRecord(txn *badger.Txn, id string) (types.ProfilingRecord, bool, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.ProfilingRecord{}, false, nil
	}
	if err != nil {
		return types.ProfilingRecord{}, false, err
	}

	env, err := s.readEnvelope(item)
	if err != nil {
		return types.ProfilingRecord{}, false, err
	}
	rec, err := types.DecodeRecord(env.Record)
	if err != nil {
		return types.ProfilingRecord{}, false, err
	}
	return rec, true, nil
}

func (s *badgerStorage) readEnvelope(item *badger.Item) (recordEnvelope, error) {
	data, err := s.readValue(item)
	if err != nil {
		return recordEnvelope{}, err
	}
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return recordEnvelope{}, fmt.Errorf("failed to unmarshal record envelope: %w", err)
	}
	return env, nil
}

func (s *badgerStorage) readValue(item *badger.Item) ([]byte, error) {
	var data []byte
	err := item.Value(func(val []byte) error {
		out, err := s.compressor.Decompress(val)
		data = out
		return err
	})
	return data, err
}

func (s *badgerStorage) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if s.ttl > 0 {
		e = e.WithTTL(s.ttl)
	}
	return e
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(trimNewline(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(trimNewline(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(trimNewline(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(trimNewline(format), args...)
}

func trimNewline(s string) string {
	return strings.TrimRight(s, "\n")
}
