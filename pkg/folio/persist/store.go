// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist keeps validated query payloads in BadgerDB so a new
// process can show the last known data while it revalidates.
//
// Payloads are stored raw, exactly as the backend returned them, and are
// validated again when loaded. Records expire after a TTL.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
)

// keyPrefix namespaces payload records.
var keyPrefix = []byte("payload/")

// Config holds configuration for a Store.
type Config struct {
	// Dir is the directory for BadgerDB files. Ignored when InMemory.
	Dir string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// TTL expires records. Zero keeps them forever.
	TTL time.Duration

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers GC.
	GCDiscardRatio float64

	// Logger receives BadgerDB and store messages. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		TTL:            24 * time.Hour,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true, TTL: time.Hour}
}

// record is the stored form of one payload.
type record struct {
	Raw     json.RawMessage `json:"raw"`
	SavedAt time.Time       `json:"saved_at"`
	Tags    []cache.Tag     `json:"tags,omitempty"`
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store persists payloads keyed by cache key.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
	gc     *gcRunner
	now    func() time.Time
}

// Open opens the store.
//
// # Inputs
//
//   - cfg: Dir is required unless InMemory is set.
//
// # Outputs
//
//   - *Store: Call Close when done.
//   - error: Non-nil when the directory or database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("persist: directory is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create persist directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, ttl: cfg.TTL, logger: cfg.Logger, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		s.gc.start()
	}
	return s, nil
}

func dbKey(key string) []byte {
	return append(append([]byte(nil), keyPrefix...), key...)
}

// Save stores raw under key, replacing any previous record.
func (s *Store) Save(key string, raw json.RawMessage, tags []cache.Tag) error {
	val, err := json.Marshal(record{Raw: raw, SavedAt: s.now().UTC(), Tags: tags})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	entry := badger.NewEntry(dbKey(key), val)
	if s.ttl > 0 {
		entry = entry.WithTTL(s.ttl)
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.SetEntry(entry) }); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Load returns the payload stored under key. ok is false when there is
// none or it expired.
func (s *Store) Load(key string) (raw json.RawMessage, savedAt time.Time, ok bool, err error) {
	var rec record
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("load %s: %w", key, err)
	}
	return rec.Raw, rec.SavedAt, true, nil
}

// Delete removes the record for key.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error { return txn.Delete(dbKey(key)) })
}

// DeleteTags removes every record carrying a tag matched by tags and
// returns how many were removed.
func (s *Store) DeleteTags(tags ...cache.Tag) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	var doomed [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			var rec record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if matchesAny(tags, rec.Tags) {
				doomed = append(doomed, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan records: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete records: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return len(doomed), nil
}

func matchesAny(invalidated, have []cache.Tag) bool {
	for _, inv := range invalidated {
		for _, h := range have {
			if inv.Matches(h) {
				return true
			}
		}
	}
	return false
}

// Keys lists stored cache keys.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return keys, err
}

// Clear removes every record, as after logout.
func (s *Store) Clear() error {
	return s.db.DropPrefix(keyPrefix)
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// =============================================================================
// Value log GC
// =============================================================================

type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() { go r.run() }

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting.
			err := r.db.RunValueLogGC(r.ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
				r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
