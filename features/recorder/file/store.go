// Package file implements the flight recorder's append-only store as a
// size-rotated JSONL file, one record per line. Suited to single-node
// deployments without a database.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"aide.dev/aide/kernel/recorder"
)

type (
	// Store writes turn records as JSON lines to a rotating file.
	Store struct {
		mu sync.Mutex
		w  *lumberjack.Logger
	}

	// Options configures the store.
	Options struct {
		// Path is the record file location. Required.
		Path string
		// MaxSizeMB rotates the file beyond this size. Defaults to 100.
		MaxSizeMB int
		// MaxBackups caps rotated files kept. Defaults to 5.
		MaxBackups int
		// MaxAgeDays prunes rotated files by age. Zero keeps them.
		MaxAgeDays int
	}
)

var _ recorder.Store = (*Store)(nil)

// New returns a Store appending to the given path.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("record file path is required")
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	return &Store{
		w: &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		},
	}, nil
}

// Append implements recorder.Store. Records that fail to serialize are
// skipped individually.
func (s *Store) Append(_ context.Context, records []recorder.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		line = append(line, '\n')
		if _, err := s.w.Write(line); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
