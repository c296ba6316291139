package indexer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConsumer = "appview"

func newTestCursorManager(t *testing.T, store CursorStore, opts CursorOptions) *CursorManager {
	t.Helper()
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	m := NewCursorManager(store, opts)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestCursorAdvancesOnlyPastContiguousCompletions(t *testing.T) {
	store := NewMemoryCursorStore()
	m := newTestCursorManager(t, store, CursorOptions{})

	m.Track(testConsumer, relayA, 3, 1)
	m.Track(testConsumer, relayA, 5, 1)
	m.Track(testConsumer, relayA, 8, 1)

	m.Complete(testConsumer, relayA, 5)
	_, ok := m.Committed(testConsumer, relayA)
	assert.False(t, ok, "3 is still in flight")

	m.Complete(testConsumer, relayA, 3)
	seq, ok := m.Committed(testConsumer, relayA)
	require.True(t, ok)
	assert.Equal(t, int64(5), seq, "8 is still in flight")

	m.Complete(testConsumer, relayA, 8)
	seq, _ = m.Committed(testConsumer, relayA)
	assert.Equal(t, int64(8), seq)
	assert.Equal(t, 0, m.Pending(testConsumer, relayA))
}

func TestCursorWaitsForAllOpsOfACommit(t *testing.T) {
	m := newTestCursorManager(t, NewMemoryCursorStore(), CursorOptions{})

	m.Track(testConsumer, relayA, 10, 3)
	m.Complete(testConsumer, relayA, 10)
	m.Complete(testConsumer, relayA, 10)
	_, ok := m.Committed(testConsumer, relayA)
	assert.False(t, ok)

	m.Complete(testConsumer, relayA, 10)
	seq, ok := m.Committed(testConsumer, relayA)
	require.True(t, ok)
	assert.Equal(t, int64(10), seq)
}

func TestCursorResetPendingDropsAbandonedWork(t *testing.T) {
	m := newTestCursorManager(t, NewMemoryCursorStore(), CursorOptions{})

	m.Track(testConsumer, relayA, 9, 1)
	m.Complete(testConsumer, relayA, 9)
	m.Track(testConsumer, relayA, 10, 3)
	m.Complete(testConsumer, relayA, 10)
	m.Complete(testConsumer, relayA, 10)
	require.Equal(t, 1, m.Pending(testConsumer, relayA))

	m.ResetPending(testConsumer, relayA)
	assert.Equal(t, 0, m.Pending(testConsumer, relayA))
	seq, _ := m.Committed(testConsumer, relayA)
	assert.Equal(t, int64(9), seq, "reset keeps the committed cursor")

	// The replayed commit is tracked from scratch.
	m.Track(testConsumer, relayA, 10, 3)
	for i := 0; i < 3; i++ {
		m.Complete(testConsumer, relayA, 10)
	}
	seq, _ = m.Committed(testConsumer, relayA)
	assert.Equal(t, int64(10), seq)
}

func TestCursorSkipsFramesWithoutWork(t *testing.T) {
	m := newTestCursorManager(t, NewMemoryCursorStore(), CursorOptions{})

	m.Track(testConsumer, relayA, 1, 0)
	seq, ok := m.Committed(testConsumer, relayA)
	require.True(t, ok)
	assert.Equal(t, int64(1), seq)

	m.Track(testConsumer, relayA, 2, 1)
	m.Track(testConsumer, relayA, 3, 0)
	seq, _ = m.Committed(testConsumer, relayA)
	assert.Equal(t, int64(1), seq, "empty frame 3 waits behind pending 2")
}

func TestCursorIsMonotonic(t *testing.T) {
	m := newTestCursorManager(t, NewMemoryCursorStore(), CursorOptions{})
	m.UpdateCursor(testConsumer, relayA, 50)
	m.UpdateCursor(testConsumer, relayA, 40)
	seq, _ := m.Committed(testConsumer, relayA)
	assert.Equal(t, int64(50), seq)
}

func TestCursorRelaysAreIndependent(t *testing.T) {
	const relayB = "wss://relay-b.example"
	m := newTestCursorManager(t, NewMemoryCursorStore(), CursorOptions{})

	m.Track(testConsumer, relayA, 1, 1)
	m.Track(testConsumer, relayB, 100, 1)
	m.Complete(testConsumer, relayB, 100)

	_, okA := m.Committed(testConsumer, relayA)
	seqB, okB := m.Committed(testConsumer, relayB)
	assert.False(t, okA)
	require.True(t, okB)
	assert.Equal(t, int64(100), seqB)
}

func TestCursorFlushWritesDebouncedValues(t *testing.T) {
	store := NewMemoryCursorStore()
	m := newTestCursorManager(t, store, CursorOptions{FlushEvery: 1000})

	for seq := int64(1); seq <= 10; seq++ {
		m.UpdateCursor(testConsumer, relayA, seq)
	}
	assert.Equal(t, 0, store.Saves(), "writes are debounced")

	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, 1, store.Saves())
	cursor, found, err := store.Load(context.Background(), testConsumer, relayA)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), cursor.Sequence)
	assert.False(t, cursor.UpdatedAt.IsZero())

	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, 1, store.Saves(), "nothing dirty, nothing written")
}

func TestCursorFlushesByCount(t *testing.T) {
	store := NewMemoryCursorStore()
	m := newTestCursorManager(t, store, CursorOptions{FlushEvery: 3})
	m.UpdateCursor(testConsumer, relayA, 1)
	m.UpdateCursor(testConsumer, relayA, 2)
	m.UpdateCursor(testConsumer, relayA, 3)

	assert.Eventually(t, func() bool {
		cursor, found, _ := store.Load(context.Background(), testConsumer, relayA)
		return found && cursor.Sequence == 3
	}, time.Second, 5*time.Millisecond)
}

func TestCursorFlushesByTime(t *testing.T) {
	store := NewMemoryCursorStore()
	m := newTestCursorManager(t, store, CursorOptions{FlushInterval: 10 * time.Millisecond})
	m.UpdateCursor(testConsumer, relayA, 77)

	assert.Eventually(t, func() bool {
		_, found, _ := store.Load(context.Background(), testConsumer, relayA)
		return found
	}, time.Second, 5*time.Millisecond)
}

func TestCursorCloseFlushes(t *testing.T) {
	store := NewMemoryCursorStore()
	m := NewCursorManager(store, CursorOptions{FlushInterval: time.Hour})
	m.UpdateCursor(testConsumer, relayA, 12)
	require.NoError(t, m.Close(context.Background()))

	cursor, found, _ := store.Load(context.Background(), testConsumer, relayA)
	require.True(t, found)
	assert.Equal(t, int64(12), cursor.Sequence)
}

func TestCurrentCursorResumeRules(t *testing.T) {
	store := NewMemoryCursorStore()
	require.NoError(t, store.Save(context.Background(), []Cursor{{Consumer: testConsumer, Relay: relayA, Sequence: 900}}))

	m := newTestCursorManager(t, store, CursorOptions{})
	seq, ok, err := m.CurrentCursor(context.Background(), testConsumer, relayA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(900), seq)

	_, ok, err = m.CurrentCursor(context.Background(), testConsumer, "wss://never-seen.example")
	require.NoError(t, err)
	assert.False(t, ok, "no stored cursor means live tail")

	start := int64(5)
	withStart := newTestCursorManager(t, store, CursorOptions{StartSequence: &start})
	seq, ok, err = withStart.CurrentCursor(context.Background(), testConsumer, "wss://never-seen.example")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), seq)

	seq, _, _ = withStart.CurrentCursor(context.Background(), testConsumer, relayA)
	assert.Equal(t, int64(900), seq, "stored cursor wins over the start sequence")
}

type failingCursorStore struct {
	*MemoryCursorStore
	fail atomic.Bool
}

func (s *failingCursorStore) Save(ctx context.Context, cursors []Cursor) error {
	if s.fail.Load() {
		return errors.New("store unavailable")
	}
	return s.MemoryCursorStore.Save(ctx, cursors)
}

func TestCursorFlushRetainsValuesOnFailure(t *testing.T) {
	store := &failingCursorStore{MemoryCursorStore: NewMemoryCursorStore()}
	store.fail.Store(true)
	m := newTestCursorManager(t, store, CursorOptions{})

	m.UpdateCursor(testConsumer, relayA, 33)
	require.Error(t, m.Flush(context.Background()))

	store.fail.Store(false)
	require.NoError(t, m.Flush(context.Background()))
	cursor, found, _ := store.Load(context.Background(), testConsumer, relayA)
	require.True(t, found)
	assert.Equal(t, int64(33), cursor.Sequence)
}

func TestCursorOnCommitHook(t *testing.T) {
	var last atomic.Int64
	m := newTestCursorManager(t, NewMemoryCursorStore(), CursorOptions{
		OnCommit: func(_ string, seq int64) { last.Store(seq) },
	})
	m.Track(testConsumer, relayA, 4, 1)
	m.Complete(testConsumer, relayA, 4)
	assert.Equal(t, int64(4), last.Load())
}

func TestCursorListOverlaysUnflushedValues(t *testing.T) {
	store := NewMemoryCursorStore()
	require.NoError(t, store.Save(context.Background(), []Cursor{
		{Consumer: testConsumer, Relay: relayA, Sequence: 10},
		{Consumer: testConsumer, Relay: relayB, Sequence: 4},
		{Consumer: "other", Relay: relayA, Sequence: 99},
	}))
	m := newTestCursorManager(t, store, CursorOptions{})
	m.UpdateCursor(testConsumer, relayB, 7)

	cursors, err := m.List(context.Background(), testConsumer)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, relayA, cursors[0].Relay)
	assert.EqualValues(t, 10, cursors[0].Sequence)
	assert.Equal(t, relayB, cursors[1].Relay)
	assert.EqualValues(t, 7, cursors[1].Sequence)
}
