package indexer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultCursorFlushInterval = time.Second
	defaultCursorFlushEvery    = 100
	cursorFlushTimeout         = 5 * time.Second
)

// CursorStore persists one row per (consumer, relay).
type CursorStore interface {
	Load(ctx context.Context, consumer, relay string) (Cursor, bool, error)
	Save(ctx context.Context, cursors []Cursor) error
	List(ctx context.Context, consumer string) ([]Cursor, error)
	Close() error
}

type CursorOptions struct {
	FlushInterval time.Duration
	FlushEvery    int
	// StartSequence is used for relays with no stored cursor. Nil means the
	// live tail.
	StartSequence *int64
	// OnCommit is called with every cursor value that advances.
	OnCommit func(relay string, seq int64)
}

type cursorKey struct {
	consumer string
	relay    string
}

// CursorManager tracks which relay sequences are fully handed off and
// debounces writes of the resulting cursor to a CursorStore. A sequence only
// becomes the cursor once it and every sequence before it have no pending
// operations.
type CursorManager struct {
	store CursorStore
	opts  CursorOptions

	mu        sync.Mutex
	committed map[cursorKey]int64
	dirty     map[cursorKey]int64
	updates   int
	trackers  map[cursorKey]*sequenceTracker

	flushMu   sync.Mutex
	flushCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func NewCursorManager(store CursorStore, opts CursorOptions) *CursorManager {
	if store == nil {
		store = NewMemoryCursorStore()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultCursorFlushInterval
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = defaultCursorFlushEvery
	}
	m := &CursorManager{
		store:     store,
		opts:      opts,
		committed: map[cursorKey]int64{},
		dirty:     map[cursorKey]int64{},
		trackers:  map[cursorKey]*sequenceTracker{},
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// CurrentCursor returns the resume position for (consumer, relay). ok is
// false when consumption should start at the live tail.
func (m *CursorManager) CurrentCursor(ctx context.Context, consumer, relay string) (int64, bool, error) {
	key := cursorKey{consumer: consumer, relay: relay}
	m.mu.Lock()
	if seq, ok := m.committed[key]; ok {
		m.mu.Unlock()
		return seq, true, nil
	}
	m.mu.Unlock()

	cursor, found, err := m.store.Load(ctx, consumer, relay)
	if err != nil {
		return 0, false, err
	}
	if !found {
		if m.opts.StartSequence != nil {
			return *m.opts.StartSequence, true, nil
		}
		return 0, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if seq, ok := m.committed[key]; ok && seq >= cursor.Sequence {
		return seq, true, nil
	}
	m.committed[key] = cursor.Sequence
	return cursor.Sequence, true, nil
}

// UpdateCursor records seq as durably handed off. Values at or below the
// current cursor are ignored.
func (m *CursorManager) UpdateCursor(consumer, relay string, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateLocked(cursorKey{consumer: consumer, relay: relay}, seq)
}

// Track registers pending operations for seq on relay. Pass pending=0 for a
// frame that produced no work so the cursor can move past it.
func (m *CursorManager) Track(consumer, relay string, seq int64, pending int) {
	key := cursorKey{consumer: consumer, relay: relay}
	m.mu.Lock()
	defer m.mu.Unlock()
	tracker := m.trackerLocked(key)
	tracker.add(seq, pending)
	if last, ok := tracker.advance(); ok {
		m.updateLocked(key, last)
	}
}

// Complete marks one operation for seq as handed off.
func (m *CursorManager) Complete(consumer, relay string, seq int64) {
	key := cursorKey{consumer: consumer, relay: relay}
	m.mu.Lock()
	defer m.mu.Unlock()
	tracker, ok := m.trackers[key]
	if !ok {
		return
	}
	tracker.complete(seq)
	if last, ok := tracker.advance(); ok {
		m.updateLocked(key, last)
	}
}

// ResetPending forgets every tracked sequence for relay. The committed
// cursor is kept; work left unfinished by an earlier run is redelivered by
// resubscribing from it.
func (m *CursorManager) ResetPending(consumer, relay string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trackers, cursorKey{consumer: consumer, relay: relay})
}

// Pending returns how many tracked sequences are still waiting on work.
func (m *CursorManager) Pending(consumer, relay string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tracker, ok := m.trackers[cursorKey{consumer: consumer, relay: relay}]; ok {
		return len(tracker.order)
	}
	return 0
}

// Committed returns the in-memory cursor, including values not yet flushed.
func (m *CursorManager) Committed(consumer, relay string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.committed[cursorKey{consumer: consumer, relay: relay}]
	return seq, ok
}

// List returns the stored cursors for consumer with unflushed in-memory
// values overlaid.
func (m *CursorManager) List(ctx context.Context, consumer string) ([]Cursor, error) {
	stored, err := m.store.List(ctx, consumer)
	if err != nil {
		return nil, err
	}
	byRelay := make(map[string]Cursor, len(stored))
	for _, cursor := range stored {
		byRelay[cursor.Relay] = cursor
	}

	m.mu.Lock()
	for key, seq := range m.committed {
		if key.consumer != consumer {
			continue
		}
		if current, ok := byRelay[key.relay]; !ok || seq > current.Sequence {
			byRelay[key.relay] = Cursor{Consumer: consumer, Relay: key.relay, Sequence: seq, UpdatedAt: current.UpdatedAt}
		}
	}
	m.mu.Unlock()

	out := make([]Cursor, 0, len(byRelay))
	for _, cursor := range byRelay {
		out = append(out, cursor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Relay < out[j].Relay })
	return out, nil
}

// Flush writes all debounced cursor values synchronously.
func (m *CursorManager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	if len(m.dirty) == 0 {
		m.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	batch := make([]Cursor, 0, len(m.dirty))
	for key, seq := range m.dirty {
		batch = append(batch, Cursor{Consumer: key.consumer, Relay: key.relay, Sequence: seq, UpdatedAt: now})
	}
	m.dirty = map[cursorKey]int64{}
	m.updates = 0
	m.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Relay < batch[j].Relay })
	if err := m.store.Save(ctx, batch); err != nil {
		m.mu.Lock()
		for _, cursor := range batch {
			key := cursorKey{consumer: cursor.Consumer, relay: cursor.Relay}
			if _, newer := m.dirty[key]; !newer {
				m.dirty[key] = cursor.Sequence
			}
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Close stops background flushing and writes any remaining values. The
// store is left open.
func (m *CursorManager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
	return m.Flush(ctx)
}

func (m *CursorManager) updateLocked(key cursorKey, seq int64) {
	if current, ok := m.committed[key]; ok && seq <= current {
		return
	}
	m.committed[key] = seq
	m.dirty[key] = seq
	m.updates++
	if m.opts.OnCommit != nil {
		m.opts.OnCommit(key.relay, seq)
	}
	if m.updates >= m.opts.FlushEvery {
		select {
		case m.flushCh <- struct{}{}:
		default:
		}
	}
}

func (m *CursorManager) trackerLocked(key cursorKey) *sequenceTracker {
	tracker, ok := m.trackers[key]
	if !ok {
		tracker = newSequenceTracker()
		m.trackers[key] = tracker
	}
	return tracker
}

func (m *CursorManager) flushLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-m.flushCh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), cursorFlushTimeout)
		if err := m.Flush(ctx); err != nil {
			slog.WarnContext(ctx, "cursor flush failed", "error", err)
		}
		cancel()
	}
}

type trackedSeq struct {
	seq       int64
	remaining int
}

// sequenceTracker keeps sequences in arrival order with their outstanding
// operation counts.
type sequenceTracker struct {
	order []*trackedSeq
	index map[int64]*trackedSeq
}

func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{index: map[int64]*trackedSeq{}}
}

func (t *sequenceTracker) add(seq int64, pending int) {
	if pending < 0 {
		pending = 0
	}
	if entry, ok := t.index[seq]; ok {
		entry.remaining += pending
		return
	}
	entry := &trackedSeq{seq: seq, remaining: pending}
	t.order = append(t.order, entry)
	t.index[seq] = entry
}

func (t *sequenceTracker) complete(seq int64) {
	if entry, ok := t.index[seq]; ok && entry.remaining > 0 {
		entry.remaining--
	}
}

// advance pops every finished sequence at the head and returns the last one.
func (t *sequenceTracker) advance() (int64, bool) {
	var last int64
	advanced := false
	for len(t.order) > 0 && t.order[0].remaining == 0 {
		head := t.order[0]
		t.order[0] = nil
		t.order = t.order[1:]
		delete(t.index, head.seq)
		last = head.seq
		advanced = true
	}
	return last, advanced
}

type MemoryCursorStore struct {
	mu    sync.Mutex
	rows  map[cursorKey]Cursor
	saves int
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{rows: map[cursorKey]Cursor{}}
}

func (s *MemoryCursorStore) Load(_ context.Context, consumer, relay string) (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.rows[cursorKey{consumer: consumer, relay: relay}]
	return cursor, ok, nil
}

func (s *MemoryCursorStore) Save(_ context.Context, cursors []Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cursor := range cursors {
		s.rows[cursorKey{consumer: cursor.Consumer, relay: cursor.Relay}] = cursor
	}
	s.saves++
	return nil
}

func (s *MemoryCursorStore) List(_ context.Context, consumer string) ([]Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cursor, 0, len(s.rows))
	for key, cursor := range s.rows {
		if consumer == "" || key.consumer == consumer {
			out = append(out, cursor)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Consumer != out[j].Consumer {
			return out[i].Consumer < out[j].Consumer
		}
		return out[i].Relay < out[j].Relay
	})
	return out, nil
}

// Saves returns how many Save calls have been made.
func (s *MemoryCursorStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryCursorStore) Close() error {
	return nil
}
