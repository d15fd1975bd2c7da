package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]EventRecord
	err     error
}

func (w *fakeWriter) InsertEvents(_ context.Context, records []EventRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]EventRecord(nil), records...))
	return nil
}

func (w *fakeWriter) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.batches))
	for i, b := range w.batches {
		out[i] = len(b)
	}
	return out
}

func encoderEvent(raw uint16) events.Event {
	return events.Event{
		Address:   types.AddressEncoderData,
		Type:      types.PayloadS16,
		Payload:   []byte{byte(raw), byte(raw >> 8)},
		Timestamp: time.Unix(100, 0),
	}
}

func runJournal(t *testing.T, j *Journal) (context.CancelFunc, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestJournalRecord(t *testing.T) {
	w := &fakeWriter{}
	session := uuid.New()
	j := NewJournal(w, session, 1, time.Hour, zap.NewNop())
	runJournal(t, j)

	j.Publish(encoderEvent(0xFFFE))

	require.Eventually(t, func() bool { return len(w.sizes()) == 1 }, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	rec := w.batches[0][0]
	w.mu.Unlock()

	require.Equal(t, session, rec.SessionID)
	require.Equal(t, "EncoderData", rec.Register)
	require.Equal(t, "S16", rec.Type)
	require.Equal(t, []float64{-2}, rec.Values)
	require.Equal(t, time.Unix(100, 0), rec.RecordedAt)
	require.NotEqual(t, uuid.Nil, rec.ID)
}

func TestJournalBatchesBySize(t *testing.T) {
	w := &fakeWriter{}
	j := NewJournal(w, uuid.New(), 3, time.Hour, zap.NewNop())
	runJournal(t, j)

	for i := 0; i < 7; i++ {
		j.Publish(encoderEvent(uint16(i)))
	}

	require.Eventually(t, func() bool { return len(w.sizes()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []int{3, 3}, w.sizes())
}

func TestJournalFlushesOnInterval(t *testing.T) {
	w := &fakeWriter{}
	j := NewJournal(w, uuid.New(), 100, 10*time.Millisecond, zap.NewNop())
	runJournal(t, j)

	j.Publish(encoderEvent(1))
	j.Publish(encoderEvent(2))

	require.Eventually(t, func() bool {
		total := 0
		for _, n := range w.sizes() {
			total += n
		}
		return total == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(2), j.Stats().Written)
}

func TestJournalFlushesOnStop(t *testing.T) {
	w := &fakeWriter{}
	j := NewJournal(w, uuid.New(), 100, time.Hour, zap.NewNop())

	for i := 0; i < 5; i++ {
		j.Publish(encoderEvent(uint16(i)))
	}

	cancel, done := runJournal(t, j)
	cancel()
	<-done

	require.Equal(t, []int{5}, w.sizes())
}

func TestJournalDropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	j := NewJournal(w, uuid.New(), 1, time.Hour, zap.NewNop())

	// Queue holds four times the batch size and nothing drains it yet.
	for i := 0; i < 6; i++ {
		j.Publish(encoderEvent(uint16(i)))
	}
	require.Equal(t, uint64(2), j.Stats().Dropped)
}

func TestJournalWriteFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection refused")}
	j := NewJournal(w, uuid.New(), 2, time.Hour, zap.NewNop())
	runJournal(t, j)

	j.Publish(encoderEvent(1))
	j.Publish(encoderEvent(2))

	require.Eventually(t, func() bool { return j.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
	require.Zero(t, j.Stats().Written)
}
