package local

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PebbleStorage is a Pebble LSM-tree backed BlobStore.
type PebbleStorage struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// NewPebbleStorage creates a PebbleStorage instance (not yet opened).
func NewPebbleStorage(dbPath string, logger *zap.Logger) *PebbleStorage {
	return &PebbleStorage{
		path:   dbPath,
		logger: logger,
	}
}

// Init opens the Pebble database.
func (p *PebbleStorage) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	db, err := pebble.Open(p.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.db = db
	p.logger.Info("Pebble storage opened", zap.String("path", p.path))
	return nil
}

// Close flushes and closes the database.
func (p *PebbleStorage) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *PebbleStorage) Put(key, value []byte) error {
	if err := p.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (p *PebbleStorage) Get(key []byte) ([]byte, error) {
	data, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (p *PebbleStorage) Delete(key []byte) error {
	if err := p.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (p *PebbleStorage) Write(entries []Entry) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		var err error
		if e.Delete {
			err = batch.Delete(e.Key, nil)
		} else {
			err = batch.Set(e.Key, e.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("pebble batch: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

func (p *PebbleStorage) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := p.db.NewIter(prefixOptions(prefix))
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleStorage) DeletePrefix(prefix []byte) (int, error) {
	var keys [][]byte
	err := p.Scan(prefix, func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	entries := make([]Entry, len(keys))
	for i, k := range keys {
		entries[i] = Entry{Key: k, Delete: true}
	}
	if err := p.Write(entries); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Truncate deletes all stored keys.
func (p *PebbleStorage) Truncate() error {
	n, err := p.DeletePrefix(nil)
	if err != nil {
		return err
	}
	p.logger.Info("Truncated local storage", zap.Int("count", n))
	return nil
}

// prefixOptions bounds an iterator to keys starting with prefix.
func prefixOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return nil
	}
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)}
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
