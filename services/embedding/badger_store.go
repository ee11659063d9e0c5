// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures a persistent embedding store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// TTL expires entries; zero keeps them forever.
	TTL time.Duration

	// GCInterval is how often value log GC runs; zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives badger's own log lines. Nil silences them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     false,
		TTL:            30 * 24 * time.Hour,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var keyPrefix = []byte("emb/")

// BadgerStore is a persistent Store on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Close stops the GC loop and closes the DB.
type BadgerStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

// OpenBadgerStore opens (or creates) the store described by cfg.
//
// # Inputs
//
//   - cfg: Path is required unless InMemory is set.
//
// # Outputs
//
//   - *BadgerStore: Ready store. Caller must Close it.
//   - error: Non-nil if the directory or database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent embedding store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create embedding store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{
		db:     db,
		ttl:    cfg.TTL,
		logger: logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		go s.runGC(cfg.GCInterval, ratio)
	} else {
		close(s.gcDone)
	}
	return s, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]float32, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(keyPrefix[:len(keyPrefix):len(keyPrefix)], key...))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read embedding: %w", err)
	}
	v, err := decodeVector(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *BadgerStore) Set(ctx context.Context, key string, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := append(keyPrefix[:len(keyPrefix):len(keyPrefix)], key...)
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(k, encodeVector(vector))
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Close stops garbage collection and closes the database. Safe to call
// more than once.
func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		select {
		case <-s.gcDone:
		default:
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("embedding store GC failed", slog.String("error", err.Error()))
			}
		}
	}
}
