package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcrtlabs/rcrt/internal/observability"
)

// FileStore is the JSONL journal backend. Records append to a single file;
// opening replays it into memory, dropping expired entries; Sweep rewrites
// the file without them.
type FileStore struct {
	path      string
	retention time.Duration
	logger    *observability.Logger

	mu      sync.RWMutex
	file    *os.File
	entries map[string]Entry
}

// NewFileStore opens (or creates) the journal at path and replays it. A
// file that cannot be opened or created is a hard error; individual corrupt
// lines are skipped with a warning.
func NewFileStore(path string, retention time.Duration, logger *observability.Logger) (*FileStore, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	s := &FileStore{
		path:      path,
		retention: retention,
		logger:    logger.WithFields("component", "journal", "path", path),
		entries:   make(map[string]Entry),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.file = file
	return s, nil
}

func (s *FileStore) replay() error {
	file, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer file.Close()

	cutoff := time.Now().Add(-s.retention)
	corrupt := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Key == "" {
			corrupt++
			continue
		}
		if entry.RecordedAt.Before(cutoff) {
			continue
		}
		s.entries[entry.Key] = entry
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if corrupt > 0 {
		s.logger.Warn(context.Background(), "skipped corrupt journal lines", "count", corrupt)
	}
	return nil
}

// Seen reports whether key is journaled and fresh.
func (s *FileStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	return !entry.RecordedAt.Before(time.Now().Add(-s.retention)), nil
}

// Record appends the entry. A key already journaled is left alone.
func (s *FileStore) Record(_ context.Context, entry Entry) error {
	if entry.Key == "" {
		return fmt.Errorf("journal entry needs a key")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.Key]; ok {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	s.entries[entry.Key] = entry
	return nil
}

// Sweep drops expired entries and rewrites the file to match. The rewrite
// goes through a temp file and rename so a crash never leaves a torn
// journal.
func (s *FileStore) Sweep(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.RecordedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".journal-*")
	if err != nil {
		return removed, fmt.Errorf("create sweep file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, entry := range s.entries {
		line, err := json.Marshal(entry)
		if err != nil {
			tmp.Close()
			return removed, fmt.Errorf("encode journal entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return removed, fmt.Errorf("write sweep file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return removed, fmt.Errorf("flush sweep file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return removed, fmt.Errorf("close sweep file: %w", err)
	}

	if err := s.file.Close(); err != nil {
		return removed, fmt.Errorf("close journal: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return removed, fmt.Errorf("swap journal: %w", err)
	}
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, fmt.Errorf("reopen journal: %w", err)
	}
	s.file = file
	return removed, nil
}

// Close releases the journal file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
