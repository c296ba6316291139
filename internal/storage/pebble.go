package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

const (
	pebbleCursorPrefix   = "cursor/"
	pebbleEntryPrefix    = "dlq/e/"
	pebbleEntryIDPrefix  = "dlq/id/"
	pebbleEntryKeyDigits = 20
)

// pebbleCore is one pebble database shared by the cursor store and the
// dead-letter queue. Dead letters are keyed by a zero-padded insertion counter
// so iteration order is age order.
type pebbleCore struct {
	db *pebble.DB

	mu      sync.Mutex
	nextSeq uint64

	closeOnce sync.Once
	closeErr  error
}

func OpenPebble(dir string) (*Backend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	core := &pebbleCore{db: db}
	last, err := core.lastEntrySeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	core.nextSeq = last + 1
	return &Backend{
		Scheme:      "pebble",
		Cursors:     &PebbleCursorStore{core: core},
		DeadLetters: &PebbleDeadLetterQueue{core: core},
		closers:     []func() error{core.close},
	}, nil
}

func (c *pebbleCore) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

func (c *pebbleCore) lastEntrySeq() (uint64, error) {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleEntryPrefix),
		UpperBound: prefixUpperBound(pebbleEntryPrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	raw := strings.TrimPrefix(string(iter.Key()), pebbleEntryPrefix)
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt dead-letter key %q: %w", iter.Key(), err)
	}
	return seq, nil
}

func (c *pebbleCore) get(key []byte) ([]byte, bool, error) {
	value, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

type PebbleCursorStore struct {
	core *pebbleCore
}

func pebbleCursorKey(consumer, relay string) []byte {
	return []byte(pebbleCursorPrefix + consumer + "\x00" + relay)
}

func (s *PebbleCursorStore) Load(_ context.Context, consumer, relay string) (indexer.Cursor, bool, error) {
	value, ok, err := s.core.get(pebbleCursorKey(consumer, relay))
	if err != nil || !ok {
		return indexer.Cursor{}, false, err
	}
	var cursor indexer.Cursor
	if err := json.Unmarshal(value, &cursor); err != nil {
		return indexer.Cursor{}, false, err
	}
	return cursor, true, nil
}

func (s *PebbleCursorStore) Save(_ context.Context, cursors []indexer.Cursor) error {
	if len(cursors) == 0 {
		return nil
	}
	batch := s.core.db.NewBatch()
	defer batch.Close()
	for _, cursor := range cursors {
		value, err := json.Marshal(cursor)
		if err != nil {
			return err
		}
		if err := batch.Set(pebbleCursorKey(cursor.Consumer, cursor.Relay), value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleCursorStore) List(_ context.Context, consumer string) ([]indexer.Cursor, error) {
	prefix := pebbleCursorPrefix
	if consumer != "" {
		prefix += consumer + "\x00"
	}
	iter, err := s.core.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []indexer.Cursor
	for iter.First(); iter.Valid(); iter.Next() {
		var cursor indexer.Cursor
		if err := json.Unmarshal(iter.Value(), &cursor); err != nil {
			return nil, err
		}
		out = append(out, cursor)
	}
	return out, iter.Error()
}

// Close is a no-op; Backend.Close releases the shared connection.
func (s *PebbleCursorStore) Close() error { return nil }

type PebbleDeadLetterQueue struct {
	core *pebbleCore
}

func (q *PebbleDeadLetterQueue) Add(_ context.Context, entry indexer.DeadLetterEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	key := []byte(fmt.Sprintf("%s%0*d", pebbleEntryPrefix, pebbleEntryKeyDigits, q.core.nextSeq))

	batch := q.core.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, value, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(pebbleEntryIDPrefix+entry.ID), key, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	q.core.nextSeq++
	return nil
}

func (q *PebbleDeadLetterQueue) List(_ context.Context, limit int) ([]indexer.DeadLetterEntry, error) {
	iter, err := q.core.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleEntryPrefix),
		UpperBound: prefixUpperBound(pebbleEntryPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []indexer.DeadLetterEntry
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var entry indexer.DeadLetterEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, iter.Error()
}

func (q *PebbleDeadLetterQueue) Count(_ context.Context) (int, error) {
	iter, err := q.core.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleEntryIDPrefix),
		UpperBound: prefixUpperBound(pebbleEntryIDPrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (q *PebbleDeadLetterQueue) Purge(_ context.Context, id string) error {
	q.core.mu.Lock()
	defer q.core.mu.Unlock()
	idKey := []byte(pebbleEntryIDPrefix + id)
	entryKey, ok, err := q.core.get(idKey)
	if err != nil {
		return err
	}
	if !ok {
		return indexer.ErrNotFound
	}
	batch := q.core.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(entryKey, nil); err != nil {
		return err
	}
	if err := batch.Delete(idKey, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (q *PebbleDeadLetterQueue) Close() error { return nil }

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix string) []byte {
	upper := []byte(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
