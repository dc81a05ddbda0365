package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/WhileEndless/go-reverseproxy/internal/config"
	"github.com/WhileEndless/go-reverseproxy/internal/engine"
	"github.com/WhileEndless/go-reverseproxy/internal/metrics"
	"github.com/WhileEndless/go-reverseproxy/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeUpstream accepts connections and, for every request it reads,
// writes back a fixed small response.
func fakeUpstream(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						resp := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
						if _, err := c.Write([]byte(resp)); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()
	return ln
}

func newTestServer(t *testing.T, upstreamAddr string) *Server {
	t.Helper()
	host, port, _ := net.SplitHostPort(upstreamAddr)

	body := "listen: \"127.0.0.1:0\"\nupstreams:\n  - host: \"" + host + "\"\n    port: " + port +
		"\ntimeouts:\n  connect_ms: 1000\n  read_ms: 2000\n  write_ms: 2000\n  total_ms: 5000\n" +
		"limits:\n  max_client_conns: 10\n  max_conns_per_upstream: 4\n"

	path := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	realCfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := metrics.NewPrometheus(prometheus.NewRegistry())

	p, err := pool.New(realCfg, sink, logger)
	if err != nil {
		t.Fatalf("building pool: %v", err)
	}

	eng := engine.New(p, sink, logger, time.Second)

	srv, err := New("127.0.0.1:0", eng, logger, Config{
		Workers:      1,
		MaxClients:   realCfg.Limits().MaxClientConns,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		TotalTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("building server: %v", err)
	}
	return srv
}

func TestServerProxiesBasicRequest(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()

	srv := newTestServer(t, upstream.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	// Give the accept loop a moment to start.
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	got := string(buf[:n])
	if got == "" {
		t.Fatalf("expected a non-empty response")
	}
	if got[:15] != "HTTP/1.1 200 OK" {
		t.Fatalf("unexpected response: %q", got)
	}
}
