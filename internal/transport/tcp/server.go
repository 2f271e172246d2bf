// Package tcp accepts plain stream connections and hands each one to a
// request handler worker.
package tcp

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vforte/gruppo/internal/core"
)

// Server is the connection acceptor for the line protocol over TCP.
type Server struct {
	addr    string
	handler *core.Handler
	log     *zerolog.Logger

	wg sync.WaitGroup
}

// NewServer configures an acceptor on addr.
func NewServer(addr string, handler *core.Handler, logger *zerolog.Logger) *Server {
	return &Server{addr: addr, handler: handler, log: logger}
}

// Run listens and serves until the context is cancelled, then waits for
// the in-flight connection workers to finish.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info().Str("addr", s.addr).Msg("tcp server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error().Err(err).Msg("accept connection")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection accepted")
			s.handler.Serve(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}
