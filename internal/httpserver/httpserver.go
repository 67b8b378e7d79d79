// Package httpserver wraps the admin HTTP listener with the timeouts and
// graceful shutdown the rest of the process expects.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

func New(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info().Msgf("listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
