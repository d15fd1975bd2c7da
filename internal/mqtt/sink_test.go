package mqtt

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/config"
	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakePublisher records messages. With a non-nil release channel every
// Publish blocks until the channel is closed, like paho towards a broker
// that stopped reading.
type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	calls    int
	release  chan struct{}
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.release != nil {
		<-p.release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &paho.DummyToken{}
}

func (p *fakePublisher) snapshot() (int, []published) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, append([]published(nil), p.messages...)
}

func runSink(t *testing.T, s *Sink) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSinkPublish(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, "lab/expander/", 1, 8, zap.NewNop())
	runSink(t, sink)

	sink.Publish(events.Event{
		Address:   types.AddressDigitalInPort,
		Type:      types.PayloadU16,
		Payload:   []byte{0x05, 0x00, 0x04, 0x00},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	require.Eventually(t, func() bool { return sink.Published() == 1 }, time.Second, 5*time.Millisecond)

	_, messages := pub.snapshot()
	require.Len(t, messages, 1)
	require.Equal(t, "lab/expander/35", messages[0].topic)
	require.Equal(t, byte(1), messages[0].qos)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(messages[0].payload, &msg))
	require.Equal(t, "DigitalInPort", msg.Register)
	require.Equal(t, "U16", msg.Type)
	require.Equal(t, []float64{5, 4}, msg.Values)
}

func TestSinkSkipsUndecodable(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, "", 0, 8, zap.NewNop())

	require.Equal(t, "40", sink.Topic(types.AddressEncoderData))

	sink.Publish(events.Event{Address: types.AddressEncoderData, Type: types.PayloadS16, Payload: []byte{1}})
	require.Empty(t, sink.queue)
	require.Zero(t, sink.Dropped())
}

func TestSinkPublishDoesNotWaitForClient(t *testing.T) {
	pub := &fakePublisher{release: make(chan struct{})}
	sink := NewSink(pub, "exp", 0, 4, zap.NewNop())
	runSink(t, sink)
	t.Cleanup(func() { close(pub.release) })

	ev := events.Event{Address: types.AddressEncoderData, Type: types.PayloadS16, Payload: []byte{1, 0}}

	// The writer takes the first event and hangs in the client.
	sink.Publish(ev)
	require.Eventually(t, func() bool {
		calls, _ := pub.snapshot()
		return calls == 1
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 99; i++ {
			sink.Publish(ev)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled client")
	}

	// Four fit the queue, the rest are dropped.
	require.Equal(t, uint64(95), sink.Dropped())
	require.Zero(t, sink.Published())
}

// stalledBroker accepts one client, answers CONNECT with CONNACK and then
// never reads again.
func stalledBroker(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 256)
		if _, err := conn.Read(buf); err != nil {
			conn.Close()
			return
		}
		conn.Write([]byte{0x20, 0x02, 0x00, 0x00})
		conns <- conn
	}()

	t.Cleanup(func() {
		ln.Close()
		select {
		case conn := <-conns:
			conn.Close()
		default:
		}
	})
	return ln.Addr().String()
}

func TestSinkStalledBroker(t *testing.T) {
	address := stalledBroker(t)

	client, err := Connect(config.MQTTConfig{
		Broker:   "tcp://" + address,
		ClientID: "stalled-broker-test",
	}, 2*time.Second, zap.NewNop())
	require.NoError(t, err)

	sink := NewSink(client, "exp", 0, 16, zap.NewNop())
	runSink(t, sink)

	ev := events.Event{
		Address: types.AddressDigitalInPort,
		Type:    types.PayloadU16,
		Payload: []byte{0xFF, 0x03, 0x01, 0x00},
	}

	// Far more than the socket buffers and paho's outbound channel hold.
	const total = 200000
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			sink.Publish(ev)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Publish blocked after %d messages", sink.Published())
	}
	require.Positive(t, sink.Dropped())
}

func TestClientOptionsFromURL(t *testing.T) {
	opts, err := ClientOptionsFromURL("mqtt://user:pw@broker.local:1883")
	require.NoError(t, err)
	require.Len(t, opts.Servers, 1)
	require.Equal(t, "tcp://broker.local:1883", opts.Servers[0].String())
	require.Equal(t, "user", opts.Username)
	require.Equal(t, "pw", opts.Password)

	opts, err = ClientOptionsFromURL("ssl://broker.local:8883")
	require.NoError(t, err)
	require.Equal(t, "ssl", opts.Servers[0].Scheme)

	_, err = ClientOptionsFromURL("broker.local")
	require.Error(t, err)
}
