// Package server binds the proxy's listening socket and fans accepted
// connections out to the engine, bounding how many clients are served
// concurrently.
//
// Grounded on original_source/proxy/proxy_server.py's accept loop
// (bind, listen, accept-and-spawn, a semaphore bounding concurrent
// clients) with the worker fan-out expressed as N goroutines sharing one
// listener via golang.org/x/sync/errgroup, the concurrency idiom used for
// equivalent accept-loop fan-out across the retrieved Go corpus.
package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WhileEndless/go-reverseproxy/internal/engine"
	"github.com/WhileEndless/go-reverseproxy/internal/netconn"
)

// Server accepts client connections and hands each one to an Engine,
// running at most MaxClients/Workers of them at once per worker (at least
// one per worker).
type Server struct {
	listener net.Listener
	engine   *engine.Engine
	logger   *slog.Logger

	workers      int
	maxClients   int
	readTimeout  time.Duration
	writeTimeout time.Duration
	totalTimeout time.Duration
}

// Config bundles the parameters Server needs beyond the listener and
// engine themselves.
type Config struct {
	Workers      int
	MaxClients   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TotalTimeout time.Duration
}

// New binds addr and returns a Server ready to Run.
func New(addr string, eng *engine.Engine, logger *slog.Logger, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Server{
		listener:     ln,
		engine:       eng,
		logger:       logger,
		workers:      workers,
		maxClients:   cfg.MaxClients,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		totalTimeout: cfg.TotalTimeout,
	}, nil
}

// Addr returns the bound listener address, letting tests discover the
// port when 0 was requested.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run accepts connections with s.workers goroutines sharing the listener,
// until ctx is canceled or the listener is closed. Each worker's own
// concurrency is bounded by a semaphore sized maxClients/workers.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	go func() {
		<-gctx.Done()
		_ = s.listener.Close()
	}()

	perWorker := s.maxClients / s.workers
	if perWorker <= 0 {
		perWorker = 1
	}

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			return s.acceptLoop(gctx, perWorker)
		})
	}

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, maxConcurrent int) error {
	sem := make(chan struct{}, maxConcurrent)

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(30 * time.Second)
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = raw.Close()
			return nil
		}

		go func() {
			defer func() { <-sem }()
			s.serve(ctx, raw)
		}()
	}
}

func (s *Server) serve(ctx context.Context, raw net.Conn) {
	client := netconn.NewClientConnection(raw, s.readTimeout, s.writeTimeout)

	sessionCtx := ctx
	var cancel context.CancelFunc
	if s.totalTimeout > 0 {
		sessionCtx, cancel = context.WithTimeout(ctx, s.totalTimeout)
		defer cancel()
	}

	s.engine.HandleClient(sessionCtx, client)
}
