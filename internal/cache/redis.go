// Package cache mirrors the latest value of every register into Redis and
// publishes each event on a Redis channel.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/config"
	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/garyburd/redigo/redis"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// maxPipeline bounds the commands sent before one flush.
const maxPipeline = 64

// Dialer opens a Redis connection.
type Dialer func() (redis.Conn, error)

// TCPDialer dials cfg.Address with cfg.Timeout on every phase.
func TCPDialer(cfg config.RedisConfig) Dialer {
	return func() (redis.Conn, error) {
		return redis.Dial("tcp", cfg.Address,
			redis.DialConnectTimeout(cfg.Timeout),
			redis.DialReadTimeout(cfg.Timeout),
			redis.DialWriteTimeout(cfg.Timeout))
	}
}

type entry struct {
	address uint8
	body    []byte
}

type Value struct {
	Address   uint8     `json:"address"`
	Register  string    `json:"register,omitempty"`
	Type      string    `json:"type"`
	Values    []float64 `json:"values"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is an events.Sink. Publish only queues; Run owns the connection.
type Sink struct {
	dial   Dialer
	prefix string
	queue  chan entry
	logger *zap.Logger

	written atomic.Uint64
	dropped atomic.Uint64
}

func NewSink(dial Dialer, prefix string, queueSize int, logger *zap.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Sink{
		dial:   dial,
		prefix: prefix,
		queue:  make(chan entry, queueSize),
		logger: logger,
	}
}

// Key is the string key holding the latest value of address.
func (s *Sink) Key(address uint8) string {
	return fmt.Sprintf("%s:register:%d", s.prefix, address)
}

// Channel is the pub/sub channel every event is published on.
func (s *Sink) Channel() string {
	return s.prefix + ":events"
}

func (s *Sink) Publish(ev events.Event) {
	values, err := registers.DecodeValues(ev.Type, ev.Payload)
	if err != nil {
		s.dropped.Add(1)
		return
	}

	v := Value{
		Address:   ev.Address,
		Type:      ev.Type.String(),
		Values:    values,
		Timestamp: ev.Timestamp,
	}
	if def, ok := types.LookupRegister(ev.Address); ok {
		v.Register = def.Name
	}

	body, err := json.Marshal(v)
	if err != nil {
		s.dropped.Add(1)
		return
	}

	select {
	case s.queue <- entry{address: ev.Address, body: body}:
	default:
		s.dropped.Add(1)
	}
}

// Run writes queued events until ctx is done, reconnecting with backoff when
// the connection fails.
func (s *Sink) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		conn, err := s.dial()
		if err != nil {
			wait := b.Duration()
			s.logger.Warn("Redis not reachable, retrying", zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		b.Reset()

		err = s.serve(ctx, conn)
		conn.Close()
		if err == nil {
			return nil
		}
		s.logger.Warn("Redis connection failed", zap.Error(err))
	}
}

// serve pipelines queued events on conn. It returns nil when ctx is done.
func (s *Sink) serve(ctx context.Context, conn redis.Conn) error {
	for {
		var e entry
		select {
		case e = <-s.queue:
		case <-ctx.Done():
			return nil
		}

		n, err := s.send(conn, e)
		if err != nil {
			return err
		}

	drain:
		for i := 1; i < maxPipeline; i++ {
			select {
			case e = <-s.queue:
				if _, err := s.send(conn, e); err != nil {
					return err
				}
				n++
			default:
				break drain
			}
		}

		// An empty Do flushes the pipeline and collects all pending replies.
		if _, err := conn.Do(""); err != nil {
			return err
		}
		s.written.Add(uint64(n))
	}
}

func (s *Sink) send(conn redis.Conn, e entry) (int, error) {
	if err := conn.Send("SET", s.Key(e.address), e.body); err != nil {
		return 0, err
	}
	if err := conn.Send("PUBLISH", s.Channel(), e.body); err != nil {
		return 0, err
	}
	return 1, nil
}

// Written is the number of events flushed to Redis.
func (s *Sink) Written() uint64 {
	return s.written.Load()
}

func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}
