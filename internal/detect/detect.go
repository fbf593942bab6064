// SPDX-License-Identifier: GPL-3.0-or-later

// Package detect sniffs the protocol spoken on a freshly accepted
// connection: the HTTP/2 connection preface, an HTTP/1.x request line, or
// neither, in which case the connection is forwarded as opaque TCP. The
// sniffed bytes are re-prepended to the stream before hand-off, so the
// downstream reader observes the connection exactly as the client sent it.
package detect

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"time"
)

// Protocol is the classification result.
type Protocol int

const (
	// Opaque means the peeked bytes are not HTTP, or the peer sent
	// nothing within the detection timeout. The connection is forwarded
	// at the TCP level without interpretation.
	Opaque Protocol = iota

	// HTTP1 means the peeked bytes begin a valid HTTP/1.x request line.
	HTTP1

	// HTTP2 means the peeked bytes begin the HTTP/2 connection preface.
	HTTP2
)

// String implements [fmt.Stringer].
func (p Protocol) String() string {
	switch p {
	case HTTP1:
		return "http/1"
	case HTTP2:
		return "h2"
	default:
		return "opaque"
	}
}

// h2Preface is the client connection preface every HTTP/2 connection
// must begin with.
const h2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// PeekCapacity is the maximum number of bytes read while sniffing.
const PeekCapacity = 1024

// methods are the request methods recognized as the start of an HTTP/1.x
// request line. Extension methods exist but a mesh-internal client using
// one is indistinguishable from a non-HTTP protocol without reading the
// whole line, so the detector stays conservative and treats them as
// opaque.
var methods = []string{
	"GET ", "HEAD ", "POST ", "PUT ", "DELETE ",
	"CONNECT ", "OPTIONS ", "TRACE ", "PATCH ",
}

// Options configures [Sniff].
type Options struct {
	// Timeout bounds how long the peer is given to send its first
	// bytes. Exceeding it classifies the connection as [Opaque].
	Timeout time.Duration

	// TimeNow returns the current time; defaults to [time.Now].
	TimeNow func() time.Time
}

// Sniff reads up to [PeekCapacity] bytes from conn within opts.Timeout
// and classifies the protocol. The returned [net.Conn] has the peeked
// bytes re-prepended, so the caller hands downstream a stream identical
// to what the client sent. Hitting the deadline or EOF while undecided
// classifies the connection as [Opaque]; any other read error
// terminates detection and is returned.
func Sniff(ctx context.Context, conn net.Conn, opts Options) (Protocol, net.Conn, error) {
	timeNow := opts.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}
	if opts.Timeout > 0 {
		conn.SetReadDeadline(timeNow().Add(opts.Timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	if deadline, ok := ctx.Deadline(); ok {
		if opts.Timeout <= 0 || deadline.Before(timeNow().Add(opts.Timeout)) {
			conn.SetReadDeadline(deadline)
		}
	}

	buf := make([]byte, 0, PeekCapacity)
	for {
		proto, decided := classify(buf, len(buf) == cap(buf))
		if decided {
			return proto, prepend(buf, conn), nil
		}

		n, err := conn.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err != nil {
			if isTimeout(err) || err == io.EOF {
				// Undecided at timeout or close: opaque, with
				// whatever bytes arrived still delivered.
				return Opaque, prepend(buf, conn), nil
			}
			return Opaque, prepend(buf, conn), err
		}
	}
}

// classify inspects the bytes read so far. full means no more bytes will
// be read; until then an ambiguous prefix keeps detection running.
func classify(buf []byte, full bool) (Protocol, bool) {
	if len(buf) >= len(h2Preface) {
		if string(buf[:len(h2Preface)]) == h2Preface {
			return HTTP2, true
		}
	} else if bytes.HasPrefix([]byte(h2Preface), buf) {
		if full {
			return Opaque, true
		}
		return Opaque, false // still a plausible preface prefix
	}

	for _, m := range methods {
		if len(buf) >= len(m) {
			if string(buf[:len(m)]) == m {
				return HTTP1, true
			}
			continue
		}
		if bytes.HasPrefix([]byte(m), buf) && !full {
			return Opaque, false // still a plausible method prefix
		}
	}

	return Opaque, true
}

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}

// prepend returns conn with buf re-prepended to its read side.
func prepend(buf []byte, conn net.Conn) net.Conn {
	if len(buf) == 0 {
		return conn
	}
	return &prefixedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(buf), conn)}
}

// prefixedConn replays already-peeked bytes ahead of the live stream.
type prefixedConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
