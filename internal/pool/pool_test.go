package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WhileEndless/go-reverseproxy/internal/config"
	"github.com/WhileEndless/go-reverseproxy/internal/metrics"
	"github.com/WhileEndless/go-reverseproxy/internal/proxyerr"
	"github.com/prometheus/client_golang/prometheus"
)

func acceptForever(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(io.Discard, conn) }()
		}
	}()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSink() metrics.Sink {
	return metrics.NewPrometheus(prometheus.NewRegistry())
}

func loadPoolConfig(t *testing.T, upstreamAddrs []string, maxPerUpstream int) *config.Config {
	t.Helper()
	body := fmt.Sprintf(`
listen: "127.0.0.1:0"
upstreams:
`)
	for _, addr := range upstreamAddrs {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			t.Fatalf("splitting addr: %v", err)
		}
		body += fmt.Sprintf("  - host: %q\n    port: %s\n", host, port)
	}
	body += fmt.Sprintf(`
timeouts:
  connect_ms: 500
  read_ms: 500
  write_ms: 500
  total_ms: 2000
limits:
  max_client_conns: 10
  max_conns_per_upstream: %d
`, maxPerUpstream)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	return cfg
}

func TestPoolPreparesBoundedConnectionsPerUpstream(t *testing.T) {
	lnA, _ := net.Listen("tcp", "127.0.0.1:0")
	lnB, _ := net.Listen("tcp", "127.0.0.1:0")
	defer lnA.Close()
	defer lnB.Close()
	acceptForever(t, lnA)
	acceptForever(t, lnB)

	cfg := loadPoolConfig(t, []string{lnA.Addr().String(), lnB.Addr().String()}, 2)
	p, err := New(cfg, testSink(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	if len(p.slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(p.slots))
	}
	for _, s := range p.slots {
		if len(s.queue) != 2 {
			t.Fatalf("expected 2 prepared connections per upstream, got %d", len(s.queue))
		}
	}
}

func TestPoolAcquireRotatesRoundRobin(t *testing.T) {
	lnA, _ := net.Listen("tcp", "127.0.0.1:0")
	lnB, _ := net.Listen("tcp", "127.0.0.1:0")
	defer lnA.Close()
	defer lnB.Close()
	acceptForever(t, lnA)
	acceptForever(t, lnB)

	cfg := loadPoolConfig(t, []string{lnA.Addr().String(), lnB.Addr().String()}, 2)
	p, err := New(cfg, testSink(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	m1, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	m2, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if m1.Upstream() == m2.Upstream() {
		t.Fatalf("expected round-robin to alternate upstreams, got %v twice", m1.Upstream())
	}
	m1.Release(true)
	m2.Release(true)
}

func TestPoolAcquireTimesOutWhenExhausted(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	defer ln.Close()
	acceptForever(t, ln)

	cfg := loadPoolConfig(t, []string{ln.Addr().String()}, 1)
	p, err := New(cfg, testSink(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	m, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("unexpected error acquiring sole connection: %v", err)
	}

	_, err = p.Acquire(ctx, 50*time.Millisecond)
	if proxyerr.Of(err) != proxyerr.KindPoolConnectionError {
		t.Fatalf("expected pool connection error on exhaustion, got %v", err)
	}

	m.Release(true)
}

func TestPoolReleaseUnhealthyReplacesConnection(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	defer ln.Close()
	acceptForever(t, ln)

	cfg := loadPoolConfig(t, []string{ln.Addr().String()}, 1)
	p, err := New(cfg, testSink(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	m, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(false)

	m2, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("expected a freshly dialed replacement to be available: %v", err)
	}
	m2.Release(true)
}

func TestPoolFailsWhenNoUpstreamDialable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	cfg := loadPoolConfig(t, []string{addr}, 1)
	_, err := New(cfg, testSink(), testLogger())
	if proxyerr.Of(err) != proxyerr.KindPoolConnectionError {
		t.Fatalf("expected pool connection error, got %v", err)
	}
}
