// Package server accepts TCP connections and drives the per-connection
// decode-dispatch-encode loop against a shared Engine, admission-controlled
// by a bounded worker pool sized to max_clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"redikv/internal/logging"
	"redikv/internal/protocol"
)

// Dispatcher is the subset of *engine.Engine the server depends on
// (an interface here so tests can substitute a fake).
type Dispatcher interface {
	Execute(ctx context.Context, cmd string, args [][]byte) (protocol.Value, error)
}

// Server listens on a TCP address and serves the wire protocol against a
// Dispatcher, admitting at most maxClients connections concurrently.
type Server struct {
	addr   string
	engine Dispatcher

	listener net.Listener
	sem      chan struct{}

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server. maxClients bounds concurrent connections via a
// pre-accept semaphore, matching an admission-controlled worker pool
// rather than a post-accept rejection check.
func New(addr string, eng Dispatcher, maxClients int) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		engine: eng,
		sem:    make(chan struct{}, maxClients),
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop stops accepting new connections, closes every currently open
// connection (unblocking any goroutine parked in a read with no pending
// command), and waits for their handler goroutines to exit.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			<-s.sem
			if s.ctx.Err() != nil {
				return
			}
			logging.Error(s.ctx, logging.ComponentServer, "accept", "accept failed", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection generates one correlation ID per accepted connection
// and threads it through every command this connection executes, so the
// engine's AOF append log lines can be grep'd back to the connection
// that produced them.
func (s *Server) handleConnection(conn net.Conn) {
	connID := logging.NewCorrelationID()
	ctx := logging.WithCorrelationID(s.ctx, connID)

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	logging.Info(ctx, logging.ComponentServer, logging.ActionConnect, "connection accepted", map[string]interface{}{
		"remote_addr": conn.RemoteAddr().String(),
	})
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
		logging.Info(ctx, logging.ComponentServer, logging.ActionDisconnect, "connection closed", nil)
	}()

	reader := protocol.NewReader(conn)
	var writeBuf []byte

	for {
		reqValue, err := reader.ReadValue()
		if err != nil {
			if errors.Is(err, protocol.ErrDisconnected) {
				return
			}
			var protoErr *protocol.ProtocolError
			if errors.As(err, &protoErr) {
				logging.Error(ctx, logging.ComponentServer, logging.ActionDisconnect, "malformed frame", protoErr)
				writeBuf = protocol.Encode(writeBuf[:0], protocol.ErrorValue("ERR "+protoErr.Error()))
				conn.Write(writeBuf)
			}
			return
		}

		req, err := protocol.AsRequest(reqValue)
		if err != nil {
			writeBuf = protocol.Encode(writeBuf[:0], protocol.ErrorValue("ERR "+err.Error()))
			if _, werr := conn.Write(writeBuf); werr != nil {
				return
			}
			continue
		}

		reply, err := s.engine.Execute(ctx, req.Command, req.Args)
		if err != nil {
			reply = protocol.ErrorValue(err.Error())
		}

		writeBuf = protocol.Encode(writeBuf[:0], reply)
		if _, err := conn.Write(writeBuf); err != nil {
			return
		}
	}
}
