// Package httpframe turns a byte stream into a lazy sequence of framed
// HTTP/1.1 message chunks without ever buffering a whole message. It is the
// proxy's only place that understands HTTP/1.1 start-lines, headers, and
// Content-Length body framing; everything else moves opaque []byte chunks.
//
// Grounded on the status-line/header/body reading style used by the
// retrieved corpus's raw HTTP client (readLine, readHeaders, fixed-length
// body reads), adapted to:
//   - parse both request and response start-lines, not just responses
//   - emit boundary-tagged chunks instead of accumulating into a Response
//   - never buffer the body: fixed 512-byte pieces stream straight through
//   - never interpret Transfer-Encoding
package httpframe

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-reverseproxy/internal/proxyerr"
)

const (
	// BodyChunkSize is the fixed piece size used to stream a
	// Content-Length body, matching the 512-byte reference size.
	BodyChunkSize = 512

	maxStartLineBytes = 8 * 1024
	maxHeaderBytes     = 64 * 1024
)

// Chunk is one piece of a framed HTTP/1.1 message.
type Chunk struct {
	Bytes          []byte
	IsMessageStart bool
	IsMessageEnd   bool
}

// Kind selects which start-line grammar a Reader validates against.
type Kind int

const (
	// KindRequest validates "METHOD path HTTP/x.y" start-lines.
	KindRequest Kind = iota
	// KindResponse validates "HTTP/x.y status reason" start-lines.
	KindResponse
)

type readerState int

const (
	stateStartLine readerState = iota
	stateBody
	stateEmptyBodyPending
)

// Reader reads one framed HTTP/1.1 message after another from an
// underlying stream. Callers drive it by repeatedly invoking Next until it
// returns io.EOF (clean end of stream, always at a message boundary) or a
// *proxyerr.Error of kind KindHTTPParseError.
//
// Reader does not impose deadlines; the caller (netconn.Connection) sets
// read deadlines on the underlying connection around each Next call and
// maps timeout errors to the connection-specific timeout kind.
type Reader struct {
	br    *bufio.Reader
	kind  Kind
	state readerState

	remaining int64
}

// NewRequestReader returns a Reader that validates request start-lines.
func NewRequestReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r), kind: KindRequest, state: stateStartLine}
}

// NewResponseReader returns a Reader that validates response start-lines.
func NewResponseReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r), kind: KindResponse, state: stateStartLine}
}

// Next returns the next chunk of the stream. At end of stream, exactly at a
// message boundary, it returns io.EOF.
func (r *Reader) Next() (Chunk, error) {
	switch r.state {
	case stateBody:
		return r.nextBodyChunk()
	case stateEmptyBodyPending:
		r.state = stateStartLine
		return Chunk{IsMessageEnd: true}, nil
	default:
		return r.nextMessageStart()
	}
}

func (r *Reader) nextMessageStart() (Chunk, error) {
	startLine, err := r.readLine(maxStartLineBytes)
	if err != nil {
		return Chunk{}, err
	}
	if len(startLine) == 0 {
		// readLine has already reported a clean EOF at a message boundary;
		// an empty start-line here is malformed.
		return Chunk{}, proxyerr.NewHTTPParseError("reading start line", nil).WithMessage("empty start line")
	}
	if err := r.validateStartLine(startLine); err != nil {
		return Chunk{}, err
	}

	headerBytes, headers, err := r.readHeaders()
	if err != nil {
		return Chunk{}, err
	}

	full := make([]byte, 0, len(startLine)+2+len(headerBytes))
	full = append(full, startLine...)
	full = append(full, '\r', '\n')
	full = append(full, headerBytes...)

	if cl := contentLength(headers); cl > 0 {
		r.state = stateBody
		r.remaining = cl
	} else {
		r.state = stateEmptyBodyPending
	}

	return Chunk{Bytes: full, IsMessageStart: true}, nil
}

func (r *Reader) nextBodyChunk() (Chunk, error) {
	toRead := int64(BodyChunkSize)
	if toRead > r.remaining {
		toRead = r.remaining
	}

	buf := make([]byte, toRead)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return Chunk{}, wrapReadErr("reading body", err)
	}

	r.remaining -= toRead
	end := r.remaining == 0
	if end {
		r.state = stateStartLine
	}
	return Chunk{Bytes: buf, IsMessageEnd: end}, nil
}

// readLine reads one CRLF- or LF-terminated line, stripped of its
// terminator, and rejects a line longer than limit with a parse error. The
// length is checked after the whole line has been read, so the limit does
// not bound memory use while a line without a newline is still arriving.
func (r *Reader) readLine(limit int) ([]byte, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return nil, io.EOF
		}
		return nil, wrapReadErr("reading line", err)
	}
	if len(line) > limit {
		return nil, proxyerr.NewHTTPParseError("reading line", nil).WithMessage("line exceeds maximum size")
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

func (r *Reader) readHeaders() ([]byte, map[string][]string, error) {
	headers := make(map[string][]string)
	var raw bytes.Buffer
	var lastKey string
	total := 0

	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			return nil, nil, wrapReadErr("reading headers", err)
		}

		total += len(line)
		if total > maxHeaderBytes {
			return nil, nil, proxyerr.NewHTTPParseError("reading headers", nil).WithMessage("headers exceed maximum size")
		}
		raw.WriteString(line)

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + " " + strings.TrimSpace(trimmed)
			continue
		}

		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = append(headers[key], value)
		lastKey = key
	}

	return raw.Bytes(), headers, nil
}

func contentLength(headers map[string][]string) int64 {
	values, ok := headers[textproto.CanonicalMIMEHeaderKey("Content-Length")]
	if !ok || len(values) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (r *Reader) validateStartLine(line []byte) error {
	switch r.kind {
	case KindRequest:
		return validateRequestLine(line)
	default:
		return validateStatusLine(line)
	}
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

func validateRequestLine(line []byte) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return proxyerr.NewHTTPParseError("parsing request line", nil).WithMessage("malformed request line")
	}
	method := strings.ToUpper(string(parts[0]))
	if !knownMethods[method] {
		return proxyerr.NewHTTPParseError("parsing request line", nil).WithMessage("unknown method " + method)
	}
	if len(parts[1]) == 0 {
		return proxyerr.NewHTTPParseError("parsing request line", nil).WithMessage("empty path")
	}
	if err := validateVersion(parts[2]); err != nil {
		return err
	}
	return nil
}

func validateStatusLine(line []byte) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return proxyerr.NewHTTPParseError("parsing status line", nil).WithMessage("malformed status line")
	}
	if err := validateVersion(parts[0]); err != nil {
		return err
	}
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil || code < 100 || code > 599 {
		return proxyerr.NewHTTPParseError("parsing status line", err).WithMessage("invalid status code")
	}
	return nil
}

func validateVersion(version []byte) error {
	if !bytes.HasPrefix(version, []byte("HTTP/")) {
		return proxyerr.NewHTTPParseError("parsing version", nil).WithMessage("invalid HTTP version")
	}
	if string(version) < "HTTP/1.1" {
		return proxyerr.NewHTTPParseError("parsing version", nil).WithMessage("version below HTTP/1.1")
	}
	return nil
}

// wrapReadErr classifies a raw read error: a clean net.Error timeout is
// propagated as-is so the wrapping Connection can surface its
// connection-specific timeout kind; anything else mid-frame is a parse
// error (malformed or truncated message).
func wrapReadErr(op string, err error) error {
	if isTimeout(err) {
		return err
	}
	return proxyerr.NewHTTPParseError(op, err)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
