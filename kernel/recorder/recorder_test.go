package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func record(turnID string) TurnRecord {
	return TurnRecord{TurnID: turnID, PageID: "p1", ActorID: "a1", Timestamp: time.Now().UTC()}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}

func TestRecordAndDrain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r, err := New(ctx, Options{Store: store, FlushInterval: time.Hour})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		r.Record(ctx, record(fmt.Sprintf("t%d", i)))
	}
	require.NoError(t, r.Drain(ctx))

	records := store.Records()
	require.Len(t, records, 7)
	require.Equal(t, "t0", records[0].TurnID)
	require.Equal(t, "t6", records[6].TurnID)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r, err := New(ctx, Options{Store: store, BatchSize: 3, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer r.Drain(ctx)

	for i := 0; i < 3; i++ {
		r.Record(ctx, record(fmt.Sprintf("t%d", i)))
	}
	require.Eventually(t, func() bool {
		return len(store.Records()) == 3
	}, 2*time.Second, 10*time.Millisecond, "a full batch flushes without waiting for the ticker")
}

// The queue is bounded: overflow drops the oldest record, never blocks the
// caller and never grows past the limit.
func TestQueueDropsOldest(t *testing.T) {
	ctx := context.Background()
	store := &blockedStore{release: make(chan struct{})}
	r, err := New(ctx, Options{Store: store, QueueSize: 5, BatchSize: 100, FlushInterval: time.Hour})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		r.Record(ctx, record(fmt.Sprintf("t%d", i)))
	}
	require.Equal(t, 5, r.Depth())

	close(store.release)
	require.NoError(t, r.Drain(ctx))
	records := store.Records()
	require.Len(t, records, 5)
	require.Equal(t, "t3", records[0].TurnID, "oldest records are the ones dropped")
	require.Equal(t, "t7", records[4].TurnID)
}

func TestFailedBatchIsDropped(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{failures: 1}
	r, err := New(ctx, Options{Store: store, BatchSize: 2, FlushInterval: time.Hour})
	require.NoError(t, err)

	r.Record(ctx, record("t0"))
	r.Record(ctx, record("t1"))
	require.Eventually(t, func() bool { return r.Depth() == 0 }, 2*time.Second, 10*time.Millisecond)

	r.Record(ctx, record("t2"))
	require.NoError(t, r.Drain(ctx))
	records := store.Records()
	require.Len(t, records, 1, "failed batches are not requeued")
	require.Equal(t, "t2", records[0].TurnID)
}

func TestDrainIdleRecorder(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, Options{Store: NewMemoryStore()})
	require.NoError(t, err)
	require.NoError(t, r.Drain(ctx))
}

// blockedStore holds Append until released, letting tests fill the queue.
type blockedStore struct {
	release chan struct{}
	mu      sync.Mutex
	records []TurnRecord
}

func (s *blockedStore) Append(ctx context.Context, records []TurnRecord) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *blockedStore) Records() []TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TurnRecord(nil), s.records...)
}

// failingStore fails the first N appends then succeeds.
type failingStore struct {
	mu       sync.Mutex
	failures int
	records  []TurnRecord
}

func (s *failingStore) Append(ctx context.Context, records []TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *failingStore) Records() []TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TurnRecord(nil), s.records...)
}
