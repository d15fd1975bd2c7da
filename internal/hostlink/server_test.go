package hostlink

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/harp"
	"github.com/KevinKickass/OpenInputExpander/internal/registers"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type hostEnv struct {
	bank     *registers.Bank
	streamer *events.Streamer
	client   net.Conn
	reader   *bufio.Reader
	done     chan struct{}
}

func newHostEnv(t *testing.T) *hostEnv {
	bank := registers.NewBank(registers.Hooks{})
	streamer := events.NewStreamer(8)
	srv := NewServer("127.0.0.1:0", bank, streamer, time.Second, zap.NewNop())

	client, conn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	env := &hostEnv{
		bank:     bank,
		streamer: streamer,
		client:   client,
		reader:   bufio.NewReader(client),
		done:     make(chan struct{}),
	}
	go func() {
		srv.ServeConn(ctx, conn)
		close(env.done)
	}()

	t.Cleanup(func() {
		cancel()
		client.Close()
		<-env.done
	})
	return env
}

func (e *hostEnv) roundTrip(t *testing.T, req *harp.Message) *harp.Message {
	require.NoError(t, e.client.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := e.client.Write(req.Encode())
	require.NoError(t, err)
	reply, err := harp.ReadMessage(e.reader)
	require.NoError(t, err)
	return reply
}

func TestHostRead(t *testing.T) {
	env := newHostEnv(t)
	env.bank.SetDigitalInputs(types.DI0 | types.DI9)

	reply := env.roundTrip(t, harp.ReadRequest(types.AddressDigitalInPort, types.PayloadU16))
	require.Equal(t, harp.MessageRead, reply.Type)
	require.Equal(t, types.AddressDigitalInPort, reply.Address)
	require.True(t, reply.HasTimestamp())
	require.Equal(t, types.PayloadU16, reply.PayloadType.Base())
	require.Equal(t, []byte{0x01, 0x02, 0x01, 0x02}, reply.Payload)
}

func TestHostReadRejected(t *testing.T) {
	env := newHostEnv(t)

	reply := env.roundTrip(t, harp.ReadRequest(types.AddressDigitalInPort, types.PayloadU8))
	require.True(t, reply.Type.IsError())
	require.Empty(t, reply.Payload)

	reply = env.roundTrip(t, harp.ReadRequest(50, types.PayloadU8))
	require.True(t, reply.Type.IsError())
}

func TestHostWrite(t *testing.T) {
	env := newHostEnv(t)

	reply := env.roundTrip(t, harp.WriteRequest(types.AddressEncoderSampling, types.PayloadU8, []byte{4}))
	require.Equal(t, harp.MessageWrite, reply.Type)
	require.Equal(t, []byte{4}, reply.Payload)
	require.Equal(t, types.EncoderOnMovement, env.bank.EncoderSampling())

	reply = env.roundTrip(t, harp.WriteRequest(types.AddressEncoderSampling, types.PayloadU8, []byte{5}))
	require.True(t, reply.Type.IsError())
	require.Equal(t, []byte{4}, reply.Payload, "error reply carries the unchanged value")
	require.Equal(t, types.EncoderOnMovement, env.bank.EncoderSampling())
}

func TestHostEventPush(t *testing.T) {
	env := newHostEnv(t)
	require.Eventually(t, func() bool { return env.streamer.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	env.streamer.Publish(events.Event{
		Address:   types.AddressEncoderData,
		Type:      types.PayloadS16,
		Payload:   []byte{0xFF, 0x7F},
		Timestamp: time.Now(),
	})

	require.NoError(t, env.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	m, err := harp.ReadMessage(env.reader)
	require.NoError(t, err)
	require.Equal(t, harp.MessageEvent, m.Type)
	require.Equal(t, types.AddressEncoderData, m.Address)
	require.Equal(t, types.PayloadS16|types.PayloadTimestampFlag, m.PayloadType)
	require.Equal(t, []byte{0xFF, 0x7F}, m.Payload)
}

func TestHostDisconnectUnsubscribes(t *testing.T) {
	env := newHostEnv(t)
	require.Eventually(t, func() bool { return env.streamer.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	env.client.Close()
	<-env.done
	require.Eventually(t, func() bool { return env.streamer.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeAndClose(t *testing.T) {
	bank := registers.NewBank(registers.Hooks{})
	srv := NewServer("127.0.0.1:0", bank, nil, time.Second, zap.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(harp.ReadRequest(types.AddressExpansionBoard, types.PayloadU8).Encode())
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := harp.ReadMessage(bufio.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, []byte{0}, reply.Payload)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
