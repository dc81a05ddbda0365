// Package engine drives one accepted client connection: it pairs each
// request with a pooled upstream connection, relays the request and its
// response as a stream of opaque chunks, and decides what (if anything) to
// tell the client when something goes wrong.
//
// Grounded on original_source/proxy/proxy_server.py's proxy_client /
// upstream_to_client / cleanup functions, with the forward/reverse
// concurrency reimplemented on golang.org/x/sync/errgroup in place of the
// original's two Python threads — errgroup is the pack-wide idiom for this
// shape of fan-out/join (docker-compose's local/compose.go).
package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WhileEndless/go-reverseproxy/internal/httpframe"
	"github.com/WhileEndless/go-reverseproxy/internal/metrics"
	"github.com/WhileEndless/go-reverseproxy/internal/netconn"
	"github.com/WhileEndless/go-reverseproxy/internal/pool"
	"github.com/WhileEndless/go-reverseproxy/internal/proxyerr"
)

var (
	badRequestResponse = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	badGatewayResponse = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
)

// Engine relays requests between accepted client connections and the
// upstream pool.
type Engine struct {
	pool     *pool.Pool
	sink     metrics.Sink
	logger   *slog.Logger
	acquireTimeout time.Duration
}

// New builds an Engine over an already-prepared pool.
func New(p *pool.Pool, sink metrics.Sink, logger *slog.Logger, acquireTimeout time.Duration) *Engine {
	return &Engine{pool: p, sink: sink, logger: logger, acquireTimeout: acquireTimeout}
}

// HandleClient serves every request on client, sequentially, until the
// client closes the connection or an unrecoverable error occurs.
func (e *Engine) HandleClient(ctx context.Context, client *netconn.Connection) {
	defer client.Close()
	log := e.logger.With("client", client.Addr())

	// ctx carries the session's total wall-clock budget; once it expires
	// the client connection is closed forcefully regardless of what
	// serveOneRequest is doing, which unblocks any pending read/write with
	// a closed-connection error.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-sessionDone:
		}
	}()

	for {
		if err := e.serveOneRequest(ctx, client, log); err != nil {
			if err != io.EOF {
				log.Debug("ending client session", "error", err)
			}
			return
		}
	}
}

// serveOneRequest waits for the start of a request from client, then
// acquires an upstream member, forwards the request, relays the response
// back, and releases the member. The pool is touched only once a request
// is actually beginning (chunk.IsMessageStart observed) — a keep-alive
// gap between requests, or the client going away for good, never ties up
// a pooled connection waiting on read_ms. The acquire for the NEXT
// request never starts until this function's forward/reverse pair has
// fully joined — that join is this function returning.
func (e *Engine) serveOneRequest(ctx context.Context, client *netconn.Connection, log *slog.Logger) error {
	first, err := client.Next()
	if err != nil {
		if err != io.EOF {
			e.respondOrClose(client, err, log)
		}
		return err
	}

	start := time.Now()

	member, err := e.pool.Acquire(ctx, e.acquireTimeout)
	if err != nil {
		e.respondOrClose(client, err, log)
		return err
	}

	upstream := member.Connection()
	responseOK := false

	var forwardErr, reverseErr error
	var g errgroup.Group
	g.Go(func() error {
		forwardErr = forward(client, upstream, first)
		return nil
	})
	g.Go(func() error {
		reverseErr, responseOK = reverse(upstream, client)
		return nil
	})

	// The next request's acquire cannot start until both activities above
	// have joined here — g.Wait() is the cleanup barrier.
	g.Wait()
	member.Release(responseOK)

	joinErr := mergeRelayErrors(forwardErr, reverseErr)
	if joinErr != nil {
		if joinErr == io.EOF {
			return joinErr
		}
		if isUpstreamKind(proxyerr.Of(joinErr)) {
			e.sink.IncrementUpstreamErrors(member.Upstream().Addr())
		}
		if joinErr == reverseErr && proxyerr.Of(joinErr) == proxyerr.KindHTTPParseError {
			// A malformed or truncated upstream response is an upstream-side
			// failure: the client gets a 502, not a 400.
			if werr := client.Write(badGatewayResponse); werr != nil {
				log.Debug("failed writing 502 response", "error", werr)
			}
			return joinErr
		}
		e.respondOrClose(client, joinErr, log)
		return joinErr
	}

	e.sink.ObserveRequestLatency(member.Upstream().Addr(), time.Since(start).Seconds())
	return nil
}

// mergeRelayErrors picks the error to act on when forward and reverse both
// fail: a client-side failure decides whether the client owes a 400 (or
// nothing), so it takes precedence; failing that, an upstream-side
// failure decides the 502; otherwise forward's error is used as the
// arbitrary but deterministic fallback in place of whichever goroutine
// happened to finish first.
func mergeRelayErrors(forwardErr, reverseErr error) error {
	if forwardErr == nil {
		return reverseErr
	}
	if reverseErr == nil {
		return forwardErr
	}
	if forwardErr == reverseErr {
		return forwardErr
	}

	fk, rk := proxyerr.Of(forwardErr), proxyerr.Of(reverseErr)
	if isClientKind(fk) || isClientKind(rk) {
		if isClientKind(fk) {
			return forwardErr
		}
		return reverseErr
	}
	if isUpstreamKind(fk) || isUpstreamKind(rk) {
		if isUpstreamKind(fk) {
			return forwardErr
		}
		return reverseErr
	}
	return forwardErr
}

func isClientKind(k proxyerr.Kind) bool {
	return k == proxyerr.KindClientConnectionTimeout || k == proxyerr.KindClientConnectionClosed
}

func isUpstreamKind(k proxyerr.Kind) bool {
	return k == proxyerr.KindUpstreamConnectionTimeout || k == proxyerr.KindUpstreamConnectionClosed
}

// forward writes first, then streams the rest of one full request from
// client to upstream. first is the chunk already read from client by the
// caller before an upstream member was acquired.
func forward(client, upstream *netconn.Connection, first httpframe.Chunk) error {
	chunk := first
	for {
		if len(chunk.Bytes) > 0 {
			if werr := upstream.Write(chunk.Bytes); werr != nil {
				return werr
			}
		}
		if chunk.IsMessageEnd {
			return nil
		}
		var err error
		chunk, err = client.Next()
		if err != nil {
			return err
		}
	}
}

// reverse streams one full response from upstream to client, reporting
// whether a complete response was actually observed (the health signal
// the pool uses to decide whether to keep or replace the connection).
func reverse(upstream, client *netconn.Connection) (error, bool) {
	for {
		chunk, err := upstream.Next()
		if err != nil {
			if err == io.EOF {
				// The upstream hung up before sending a response.
				err = proxyerr.NewUpstreamClosed(upstream.Addr(), err)
			}
			return err, false
		}
		if len(chunk.Bytes) > 0 {
			if werr := client.Write(chunk.Bytes); werr != nil {
				return werr, false
			}
		}
		if chunk.IsMessageEnd {
			return nil, true
		}
	}
}

// respondOrClose maps a failure to its client-visible outcome: a parse
// error on the client's own request gets a 400, any upstream-side failure
// gets a 502, and a client that is already gone gets nothing (there is
// nobody to answer).
func (e *Engine) respondOrClose(client *netconn.Connection, err error, log *slog.Logger) {
	switch proxyerr.Of(err) {
	case proxyerr.KindClientConnectionTimeout, proxyerr.KindClientConnectionClosed:
		return
	case proxyerr.KindHTTPParseError:
		if err := client.Write(badRequestResponse); err != nil {
			log.Debug("failed writing 400 response", "error", err)
		}
	case proxyerr.KindUpstreamConnectionTimeout, proxyerr.KindUpstreamConnectionClosed, proxyerr.KindPoolConnectionError:
		if err := client.Write(badGatewayResponse); err != nil {
			log.Debug("failed writing 502 response", "error", err)
		}
	default:
		log.Warn("unclassified proxy error", "error", err)
	}
}
