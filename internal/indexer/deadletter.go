package indexer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetterQueue is the append-only sink for operations that will not be
// retried. Purge exists for operator tooling only; the pipeline never calls it.
type DeadLetterQueue interface {
	Add(ctx context.Context, entry DeadLetterEntry) error
	List(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	Count(ctx context.Context) (int, error)
	Purge(ctx context.Context, id string) error
	Close() error
}

// NewDeadLetterEntry stamps a fresh id and failure times.
func NewDeadLetterEntry(item QueueItem, err error, class ErrorClass) DeadLetterEntry {
	now := time.Now().UTC()
	firstFailedAt := item.FirstFailedAt
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}
	lastError := ""
	if err != nil {
		lastError = err.Error()
	}
	return DeadLetterEntry{
		ID:            uuid.NewString(),
		Operation:     item.Operation,
		LastError:     lastError,
		Class:         class,
		Attempts:      item.Attempts,
		FirstFailedAt: firstFailedAt,
		LastFailedAt:  now,
	}
}

type MemoryDeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
}

func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{}
}

func (q *MemoryDeadLetterQueue) Add(_ context.Context, entry DeadLetterEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return nil
}

// List returns the newest entries first.
func (q *MemoryDeadLetterQueue) List(_ context.Context, limit int) ([]DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]DeadLetterEntry, 0, n)
	for i := len(q.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, q.entries[i])
	}
	return out, nil
}

func (q *MemoryDeadLetterQueue) Count(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *MemoryDeadLetterQueue) Purge(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.entries {
		if entry.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (q *MemoryDeadLetterQueue) Close() error {
	return nil
}
