package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource map[uint8][]byte

func (f fakeSource) Payload(address uint8) (types.PayloadType, []byte, error) {
	p, ok := f[address]
	if !ok {
		return 0, nil, errors.New("unknown")
	}
	return types.PayloadU8, append([]byte(nil), p...), nil
}

type recorder struct {
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.events = append(r.events, ev)
}

func TestEmitIsNonBlocking(t *testing.T) {
	d := NewDispatcher(2, zap.NewNop())
	d.Bind(fakeSource{40: {1}})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Emit(40, true)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	stats := d.Stats()
	require.Equal(t, uint64(2), stats.Emitted)
	require.Equal(t, uint64(8), stats.Dropped)
}

func TestDrainDeliversToSinks(t *testing.T) {
	d := NewDispatcher(16, zap.NewNop())
	src := fakeSource{35: {7}}
	d.Bind(src)

	r1, r2 := &recorder{}, &recorder{}
	d.AddSink(r1)
	d.AddSink(r2)

	d.Emit(35, true)
	src[35][0] = 9
	d.Emit(35, true)
	d.Emit(99, true)

	require.Equal(t, 2, d.Drain())
	require.Len(t, r1.events, 2)
	require.Len(t, r2.events, 2)
	require.Equal(t, []byte{7}, r1.events[0].Payload, "payload is a snapshot at emit time")
	require.Equal(t, []byte{9}, r1.events[1].Payload)
	require.Equal(t, uint64(2), d.Stats().Delivered)
}

func TestMutedEvents(t *testing.T) {
	d := NewDispatcher(16, zap.NewNop())
	d.Bind(fakeSource{35: {1}})
	require.True(t, d.Stats().Enabled)
	d.SetEnabled(false)
	require.False(t, d.Stats().Enabled)

	d.Emit(35, false)
	d.Emit(35, true)

	require.Equal(t, 1, d.Drain())
	require.Equal(t, uint64(1), d.Stats().Muted)

	d.SetEnabled(true)
	d.Emit(35, false)
	require.Equal(t, 1, d.Drain())
	require.Equal(t, uint64(1), d.Stats().Muted)
}

func TestRunStopsOnCancel(t *testing.T) {
	d := NewDispatcher(16, zap.NewNop())
	d.Bind(fakeSource{35: {1}})
	got := make(chan Event, 1)
	d.AddSink(SinkFunc(func(ev Event) { got <- ev }))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	d.Emit(35, true)
	select {
	case ev := <-got:
		require.Equal(t, uint8(35), ev.Address)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestStreamerFilter(t *testing.T) {
	s := NewStreamer(4)
	all := s.Subscribe(nil)
	enc := s.Subscribe(NewFilter(types.AddressEncoderData))

	s.Publish(Event{Address: types.AddressDigitalInPort})
	s.Publish(Event{Address: types.AddressEncoderData})

	require.Len(t, all, 2)
	require.Len(t, enc, 1)
	require.Equal(t, types.AddressEncoderData, (<-enc).Address)

	s.Unsubscribe(enc)
	require.Equal(t, 1, s.SubscriberCount())
	_, open := <-enc
	require.False(t, open)
}

func TestStreamerCountsDrops(t *testing.T) {
	s := NewStreamer(2)
	slow := s.Subscribe(nil)
	enc := s.Subscribe(NewFilter(types.AddressEncoderData))

	for i := 0; i < 5; i++ {
		s.Publish(Event{Address: types.AddressDigitalInPort})
	}
	s.Publish(Event{Address: types.AddressEncoderData})

	// Three digital events overflow slow; the encoder event overflows it too.
	require.Len(t, slow, 2)
	require.Len(t, enc, 1)
	require.Equal(t, uint64(4), s.Dropped())
}
