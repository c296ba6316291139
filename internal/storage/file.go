package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

const (
	cursorFileName     = "cursors.json"
	deadLetterFileName = "dead-letters.json"
)

type fileCursorState struct {
	Cursors []indexer.Cursor `json:"cursors"`
}

type fileDeadLetterState struct {
	Entries []indexer.DeadLetterEntry `json:"entries"`
}

// OpenFile stores cursors and dead letters as JSON snapshots inside dir. The
// directory is locked for the lifetime of the backend.
func OpenFile(dir string) (*Backend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}
	cursors, err := NewFileCursorStore(filepath.Join(dir, cursorFileName))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	dlq, err := NewFileDeadLetterQueue(filepath.Join(dir, deadLetterFileName))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &Backend{
		Scheme:      "file",
		Cursors:     cursors,
		DeadLetters: dlq,
		closers:     []func() error{lock.Unlock, cursors.Close, dlq.Close},
	}, nil
}

type FileCursorStore struct {
	path string
	mu   sync.Mutex
	rows map[string]indexer.Cursor
}

func NewFileCursorStore(path string) (*FileCursorStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileCursorStore{path: path, rows: map[string]indexer.Cursor{}}
	var snapshot fileCursorState
	if err := readSnapshot(path, &snapshot); err != nil {
		return nil, err
	}
	for _, cursor := range snapshot.Cursors {
		s.rows[cursorRowKey(cursor.Consumer, cursor.Relay)] = cursor
	}
	return s, nil
}

func (s *FileCursorStore) Load(_ context.Context, consumer, relay string) (indexer.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.rows[cursorRowKey(consumer, relay)]
	return cursor, ok, nil
}

func (s *FileCursorStore) Save(_ context.Context, cursors []indexer.Cursor) error {
	if len(cursors) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := make(map[string]indexer.Cursor, len(s.rows))
	for key, cursor := range s.rows {
		previous[key] = cursor
	}
	for _, cursor := range cursors {
		s.rows[cursorRowKey(cursor.Consumer, cursor.Relay)] = cursor
	}
	if err := writeSnapshot(s.path, fileCursorState{Cursors: sortedCursors(s.rows, "")}); err != nil {
		s.rows = previous
		return err
	}
	return nil
}

func (s *FileCursorStore) List(_ context.Context, consumer string) ([]indexer.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedCursors(s.rows, consumer), nil
}

func (s *FileCursorStore) Close() error { return nil }

type FileDeadLetterQueue struct {
	path    string
	mu      sync.Mutex
	entries []indexer.DeadLetterEntry
}

func NewFileDeadLetterQueue(path string) (*FileDeadLetterQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	var snapshot fileDeadLetterState
	if err := readSnapshot(path, &snapshot); err != nil {
		return nil, err
	}
	return &FileDeadLetterQueue{path: path, entries: snapshot.Entries}, nil
}

func (q *FileDeadLetterQueue) Add(_ context.Context, entry indexer.DeadLetterEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	if err := q.saveLocked(); err != nil {
		q.entries = q.entries[:len(q.entries)-1]
		return err
	}
	return nil
}

func (q *FileDeadLetterQueue) List(_ context.Context, limit int) ([]indexer.DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return newestFirst(q.entries, limit), nil
}

func (q *FileDeadLetterQueue) Count(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *FileDeadLetterQueue) Purge(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.entries {
		if entry.ID != id {
			continue
		}
		previous := q.entries
		q.entries = append(append([]indexer.DeadLetterEntry(nil), q.entries[:i]...), q.entries[i+1:]...)
		if err := q.saveLocked(); err != nil {
			q.entries = previous
			return err
		}
		return nil
	}
	return indexer.ErrNotFound
}

func (q *FileDeadLetterQueue) Close() error { return nil }

func (q *FileDeadLetterQueue) saveLocked() error {
	return writeSnapshot(q.path, fileDeadLetterState{Entries: q.entries})
}

func readSnapshot(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, out)
}

func writeSnapshot(path string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cursorRowKey(consumer, relay string) string {
	return consumer + "\x00" + relay
}

func sortedCursors(rows map[string]indexer.Cursor, consumer string) []indexer.Cursor {
	out := make([]indexer.Cursor, 0, len(rows))
	for _, cursor := range rows {
		if consumer == "" || cursor.Consumer == consumer {
			out = append(out, cursor)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Consumer != out[j].Consumer {
			return out[i].Consumer < out[j].Consumer
		}
		return out[i].Relay < out[j].Relay
	})
	return out
}

// newestFirst reverses entries kept in insertion order.
func newestFirst(entries []indexer.DeadLetterEntry, limit int) []indexer.DeadLetterEntry {
	n := len(entries)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]indexer.DeadLetterEntry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out
}
