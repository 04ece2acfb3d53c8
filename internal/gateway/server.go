// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package gateway

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/samber/oops"
)

// Server accepts player connections and runs a handler per client.
type Server struct {
	addr     string
	deps     Deps
	listener net.Listener
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(addr string, deps Deps) (*Server, error) {
	switch {
	case deps.Flow == nil:
		return nil, oops.Errorf("flow manager is required")
	case deps.Auth == nil:
		return nil, oops.Errorf("auth service is required")
	case deps.Registration == nil:
		return nil, oops.Errorf("registration service is required")
	case deps.Registry == nil:
		return nil, oops.Errorf("registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{addr: addr, deps: deps}, nil
}

// Addr returns the server's listen address, empty until Run binds it.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until the context is cancelled.
// Open connections are drained before Run returns.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.With("addr", s.addr).Wrap(err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.deps.Logger.Info("gateway listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			s.deps.Logger.Debug("error closing listener", "error", err)
		}
	}()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.deps.Logger.Error("accept failed", "error", err)
				continue
			}
		}

		conn := newConnection(netConn, s.deps.Logger)
		h := newHandler(conn, s.deps)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h.handle(ctx)
		}()
	}
}
