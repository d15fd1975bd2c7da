package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventWriter persists batches of records.
type EventWriter interface {
	InsertEvents(ctx context.Context, records []EventRecord) error
}

type JournalStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Journal is an events.Sink that buffers events and writes them in batches.
type Journal struct {
	writer        EventWriter
	sessionID     uuid.UUID
	queue         chan EventRecord
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewJournal(writer EventWriter, sessionID uuid.UUID, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Journal {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Journal{
		writer:        writer,
		sessionID:     sessionID,
		queue:         make(chan EventRecord, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
	}
}

// Publish implements events.Sink. Events are dropped when the queue is full.
func (j *Journal) Publish(ev events.Event) {
	rec := EventRecord{
		ID:         uuid.New(),
		SessionID:  j.sessionID,
		Address:    ev.Address,
		Type:       ev.Type.String(),
		Payload:    append([]byte(nil), ev.Payload...),
		RecordedAt: ev.Timestamp,
	}
	if def, ok := types.LookupRegister(ev.Address); ok {
		rec.Register = def.Name
	}
	rec.Values, _ = registers.DecodeValues(ev.Type, ev.Payload)

	select {
	case j.queue <- rec:
	default:
		j.dropped.Add(1)
	}
}

// Run writes batches until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	batch := make([]EventRecord, 0, j.batchSize)

	for {
		select {
		case rec := <-j.queue:
			batch = append(batch, rec)
			if len(batch) >= j.batchSize {
				batch = j.flush(ctx, batch)
			}

		case <-ticker.C:
			batch = j.flush(ctx, batch)

		case <-ctx.Done():
		drain:
			for {
				select {
				case rec := <-j.queue:
					batch = append(batch, rec)
				default:
					break drain
				}
			}

			// The run context is gone; give the final write its own deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			j.flush(flushCtx, batch)
			cancel()
			return nil
		}
	}
}

func (j *Journal) flush(ctx context.Context, batch []EventRecord) []EventRecord {
	if len(batch) == 0 {
		return batch
	}

	if err := j.writer.InsertEvents(ctx, batch); err != nil {
		j.failed.Add(uint64(len(batch)))
		j.logger.Error("Failed to write event journal batch",
			zap.Int("events", len(batch)),
			zap.Error(err))
	} else {
		j.written.Add(uint64(len(batch)))
	}

	return batch[:0]
}

func (j *Journal) Stats() JournalStats {
	return JournalStats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
	}
}
