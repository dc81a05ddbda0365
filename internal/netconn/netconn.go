// Package netconn wraps a single net.Conn with deadline-enforced reads and
// writes and an httpframe.Reader, producing the framed-chunk iteration the
// proxy engine consumes. It never buffers a full HTTP message: every chunk
// returned by Next is handed straight to the other side's Write.
//
// Grounded on original_source/proxy/http_utils/external/base.py's
// BaseConnection, which the ClientConnection/UpstreamConnection split
// below mirrors, and on the pooled-connection deadline/liveness handling
// used throughout the retrieved Go corpus's transport layers.
package netconn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/WhileEndless/go-reverseproxy/internal/httpframe"
	"github.com/WhileEndless/go-reverseproxy/internal/proxyerr"
)

// errFactory builds the two connection-specific proxyerr kinds: one for a
// deadline exceeded, one for the socket closing or breaking mid-operation.
type errFactory struct {
	timeout func(addr string, cause error) *proxyerr.Error
	closed  func(addr string, cause error) *proxyerr.Error
}

var clientErrs = errFactory{timeout: proxyerr.NewClientTimeout, closed: proxyerr.NewClientClosed}
var upstreamErrs = errFactory{timeout: proxyerr.NewUpstreamTimeout, closed: proxyerr.NewUpstreamClosed}

// Connection pairs a net.Conn with the framing reader appropriate to the
// side of the proxy it represents, plus the read/write deadlines that side
// of the system was configured with.
type Connection struct {
	conn         net.Conn
	reader       *httpframe.Reader
	errs         errFactory
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu           sync.Mutex
	closed       bool
	messagesRead int
}

// NewClientConnection wraps an accepted client socket, reading request
// framing and mapping failures to client-side error kinds.
func NewClientConnection(conn net.Conn, readTimeout, writeTimeout time.Duration) *Connection {
	return &Connection{
		conn:         conn,
		reader:       httpframe.NewRequestReader(conn),
		errs:         clientErrs,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// NewUpstreamConnection wraps a dialed upstream socket, reading response
// framing and mapping failures to upstream-side error kinds.
func NewUpstreamConnection(conn net.Conn, readTimeout, writeTimeout time.Duration) *Connection {
	return &Connection{
		conn:         conn,
		reader:       httpframe.NewResponseReader(conn),
		errs:         upstreamErrs,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Addr returns the remote address of the wrapped socket.
func (c *Connection) Addr() string {
	if ra := c.conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}

// MessagesRead reports how many complete messages Next has finished
// framing so far.
func (c *Connection) MessagesRead() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesRead
}

// Next returns the next framed chunk, applying this connection's read
// deadline around the underlying read. A deadline exceeded surfaces as
// this connection's timeout kind; a clean EOF at a message boundary
// surfaces unchanged as io.EOF; every other read failure, whether a
// malformed message, a premature EOF, or a closed/broken socket, surfaces
// unchanged as httpframe's HTTPParseError.
func (c *Connection) Next() (httpframe.Chunk, error) {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	chunk, err := c.reader.Next()
	if err != nil {
		return httpframe.Chunk{}, c.classifyReadErr(err)
	}
	if chunk.IsMessageEnd {
		c.mu.Lock()
		c.messagesRead++
		c.mu.Unlock()
	}
	return chunk, nil
}

func (c *Connection) classifyReadErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if proxyerr.Of(err) == proxyerr.KindHTTPParseError {
		return err
	}
	if isTimeout(err) {
		return c.errs.timeout(c.Addr(), err)
	}
	return c.errs.closed(c.Addr(), err)
}

// Write writes b to the connection in full, applying this connection's
// write deadline. Partial writes loop until complete or an error occurs.
func (c *Connection) Write(b []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			if isTimeout(err) {
				return c.errs.timeout(c.Addr(), err)
			}
			return c.errs.closed(c.Addr(), err)
		}
		b = b[n:]
	}
	return nil
}

// Close closes the underlying socket. It is idempotent: repeated calls
// after the first are no-ops returning nil.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
