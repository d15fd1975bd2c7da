// Package hostlink serves the application registers to a Harp host over TCP.
package hostlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInputExpander/internal/events"
	"github.com/KevinKickass/OpenInputExpander/internal/harp"
	"github.com/KevinKickass/OpenInputExpander/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registers is the register access the host link needs from the device.
type Registers interface {
	Read(address uint8, t types.PayloadType) ([]byte, error)
	Write(address uint8, t types.PayloadType, payload []byte, elements int) error
}

type Server struct {
	address  string
	regs     Registers
	streamer *events.Streamer
	logger   *zap.Logger
	timeout  time.Duration
	epoch    time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[uuid.UUID]net.Conn
	wg       sync.WaitGroup
}

func NewServer(address string, regs Registers, streamer *events.Streamer, timeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		address:  address,
		regs:     regs,
		streamer: streamer,
		logger:   logger,
		timeout:  timeout,
		epoch:    time.Now(),
		conns:    make(map[uuid.UUID]net.Conn),
	}
}

// ListenAndServe accepts host connections until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("host link listen failed: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Host link listening", zap.String("address", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
}

// ServeConn answers commands on conn and pushes events to it until the host
// disconnects or ctx is done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	id := uuid.New()
	logger := s.logger.With(zap.String("conn_id", id.String()), zap.String("remote", conn.RemoteAddr().String()))

	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		conn.Close()
		logger.Info("Host disconnected")
	}()

	logger.Info("Host connected")

	var writeMu sync.Mutex
	send := func(m *harp.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if s.timeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.timeout))
		}
		_, err := conn.Write(m.Encode())
		return err
	}

	if s.streamer != nil {
		ch := s.streamer.Subscribe(nil)
		go func() {
			defer s.streamer.Unsubscribe(ch)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if err := send(s.eventMessage(ev)); err != nil {
						logger.Debug("Event push failed", zap.Error(err))
						cancel()
						return
					}
				}
			}
		}()
	}

	r := bufio.NewReaderSize(conn, harp.MaxMessageSize)
	for {
		req, err := harp.ReadMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn("Dropping host connection", zap.Error(err))
			return
		}

		if err := send(s.handle(req, logger)); err != nil {
			logger.Debug("Reply failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) handle(req *harp.Message, logger *zap.Logger) *harp.Message {
	t := req.PayloadType.Base()

	switch req.Type {
	case harp.MessageRead:
		payload, err := s.regs.Read(req.Address, t)
		if err != nil {
			logger.Debug("Read rejected", zap.Uint8("address", req.Address), zap.Error(err))
		}
		return s.stamp(harp.Reply(req, payload, err))

	case harp.MessageWrite:
		err := s.regs.Write(req.Address, t, req.Payload, req.Elements())
		if err != nil {
			logger.Debug("Write rejected", zap.Uint8("address", req.Address), zap.Error(err))
		}
		// The reply carries the value the register holds after the command.
		payload, _ := s.regs.Read(req.Address, t)
		return s.stamp(harp.Reply(req, payload, err))

	default:
		return s.stamp(harp.Reply(req, nil, fmt.Errorf("unsupported message type %s", req.Type)))
	}
}

func (s *Server) eventMessage(ev events.Event) *harp.Message {
	m := &harp.Message{
		Type:        harp.MessageEvent,
		Address:     ev.Address,
		Port:        harp.DefaultPort,
		PayloadType: ev.Type,
		Payload:     ev.Payload,
	}
	s.setTimestamp(m, ev.Timestamp)
	return m
}

func (s *Server) stamp(m *harp.Message) *harp.Message {
	s.setTimestamp(m, time.Now())
	return m
}

// setTimestamp expresses at as seconds and 32 microsecond units since the
// server started.
func (s *Server) setTimestamp(m *harp.Message, at time.Time) {
	elapsed := at.Sub(s.epoch)
	if elapsed < 0 {
		elapsed = 0
	}
	m.PayloadType |= types.PayloadTimestampFlag
	m.Seconds = uint32(elapsed / time.Second)
	m.Micros = uint16((elapsed % time.Second) / (32 * time.Microsecond))
}
