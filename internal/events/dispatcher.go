// Package events carries register events from the sampling path to the
// host-facing transports.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"go.uber.org/zap"
)

// Event is a snapshot of one register pushed towards the host.
type Event struct {
	Address    uint8             `json:"address"`
	Type       types.PayloadType `json:"type"`
	Payload    []byte            `json:"payload"`
	AlwaysSend bool              `json:"always_send"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Source yields the current payload of a register.
type Source interface {
	Payload(address uint8) (types.PayloadType, []byte, error)
}

// Sink receives dispatched events. Publish runs on the dispatcher goroutine
// and must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(ev Event) {
	f(ev)
}

type Stats struct {
	Enabled   bool   `json:"enabled"`
	Emitted   uint64 `json:"emitted"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Muted     uint64 `json:"muted"`
}

// Dispatcher queues events without blocking the caller and delivers them to
// every sink from its own goroutine.
type Dispatcher struct {
	logger *zap.Logger
	queue  chan Event
	now    func() time.Time

	source atomic.Value // holds sourceBox

	sinksMu sync.RWMutex
	sinks   []Sink

	enabled   atomic.Bool
	emitted   atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	muted     atomic.Uint64
}

type sourceBox struct{ Source }

func NewDispatcher(queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &Dispatcher{
		logger: logger,
		queue:  make(chan Event, queueSize),
		now:    time.Now,
	}
	d.enabled.Store(true)
	return d
}

// Bind sets the register source read by Emit.
func (d *Dispatcher) Bind(src Source) {
	d.source.Store(sourceBox{src})
}

// AddSink registers a sink for every subsequent event.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinksMu.Lock()
	d.sinks = append(d.sinks, s)
	d.sinksMu.Unlock()
}

// SetEnabled mutes (false) or unmutes events that are not flagged
// always-send.
func (d *Dispatcher) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

// Emit snapshots the register at address and queues it. It never blocks:
// when the queue is full the event is dropped and counted.
func (d *Dispatcher) Emit(address uint8, alwaysSend bool) {
	if !alwaysSend && !d.enabled.Load() {
		d.muted.Add(1)
		return
	}

	box, ok := d.source.Load().(sourceBox)
	if !ok {
		return
	}

	t, payload, err := box.Payload(address)
	if err != nil {
		d.logger.Error("Event for unknown register", zap.Uint8("address", address), zap.Error(err))
		return
	}

	ev := Event{
		Address:    address,
		Type:       t,
		Payload:    payload,
		AlwaysSend: alwaysSend,
		Timestamp:  d.now(),
	}

	select {
	case d.queue <- ev:
		d.emitted.Add(1)
	default:
		// Report the first drop and then every thousandth.
		if n := d.dropped.Add(1); n%1000 == 1 {
			d.logger.Warn("Event queue full, event dropped",
				zap.Uint8("address", address),
				zap.Uint64("dropped_total", n))
		}
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Event dispatcher started", zap.Int("queue_size", cap(d.queue)))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Event dispatcher stopped", zap.Uint64("delivered", d.delivered.Load()))
			return ctx.Err()
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

// Drain delivers everything currently queued and returns the count.
func (d *Dispatcher) Drain() int {
	n := 0
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
			n++
		default:
			return n
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	d.sinksMu.RLock()
	defer d.sinksMu.RUnlock()
	for _, s := range d.sinks {
		s.Publish(ev)
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enabled:   d.enabled.Load(),
		Emitted:   d.emitted.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Muted:     d.muted.Load(),
	}
}
