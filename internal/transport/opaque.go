// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/meshrelay/proxy/internal/stack"
)

// OpaqueTransportALPN is the ALPN protocol ID endpoints advertise to
// request opaque-transport framing instead of protocol detection on the
// receiving end. Version upgrades are negotiated by introducing a new
// ALPN ID, never by changing the frame layout behind this one.
const OpaqueTransportALPN = "transport.l5d.io/v1"

// maxOpaqueFrameLen bounds the frame a receiver will buffer: a varint
// port plus a length-prefixed DNS name never legitimately approaches it.
const maxOpaqueFrameLen = 512

// NewOpaqueHeaderFunc returns a [*OpaqueHeaderFunc] writing a frame that
// tells the peer which original destination port (and logical name, when
// known) to forward to, so the peer's own protocol detection and per-port
// policy can still apply after the mesh leg terminates.
func NewOpaqueHeaderFunc(cfg *Config, port uint16, name string, logger SLogger) *OpaqueHeaderFunc {
	return &OpaqueHeaderFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Name:          name,
		Port:          port,
		TimeNow:       cfg.TimeNow,
	}
}

// OpaqueHeaderFunc writes the opaque-transport frame to a connection
// before handing it to the HTTP layer. It is a no-op pass-through on the
// read side: the frame is write-only, sent once immediately after the TLS
// handshake completes and before any request bytes.
//
// Frame layout: a 2-byte big-endian payload length, then the payload —
// the destination port as a varint followed by a length-prefixed name.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type OpaqueHeaderFunc struct {
	ErrClassifier ErrClassifier
	Logger        SLogger
	Name          string
	Port          uint16
	TimeNow       func() time.Time
}

var _ stack.Func[net.Conn, net.Conn] = &OpaqueHeaderFunc{}

// Call implements [stack.Func]. It writes the frame and returns the same
// connection unchanged on success.
func (op *OpaqueHeaderFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	frame := op.encodeFrame()
	t0 := op.TimeNow()
	_, err := conn.Write(frame)
	op.Logger.Info(
		"opaqueTransportHeaderWrite",
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.Int("opaqueTransportPort", int(op.Port)),
		slog.String("opaqueTransportName", op.Name),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (op *OpaqueHeaderFunc) encodeFrame() []byte {
	payload := binary.AppendUvarint(nil, uint64(op.Port))
	payload = binary.AppendUvarint(payload, uint64(len(op.Name)))
	payload = append(payload, op.Name...)

	frame := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	return append(frame, payload...)
}

// ReadOpaqueHeader reads and decodes an opaque-transport frame from conn,
// returning the original destination port and logical name. It is the
// receiving side's counterpart to [OpaqueHeaderFunc], used by inbound
// listeners that terminate a mesh leg negotiated on
// [OpaqueTransportALPN]: the decoded port rewrites the connection's
// forwarding target.
func ReadOpaqueHeader(conn net.Conn) (port uint16, name string, err error) {
	var lenBytes [2]byte
	if _, err = readFull(conn, lenBytes[:]); err != nil {
		return 0, "", err
	}
	payloadLen := int(binary.BigEndian.Uint16(lenBytes[:]))
	if payloadLen > maxOpaqueFrameLen {
		return 0, "", fmt.Errorf("transport: opaque-transport frame too large: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err = readFull(conn, payload); err != nil {
		return 0, "", err
	}

	rawPort, n := binary.Uvarint(payload)
	if n <= 0 || rawPort > 0xffff {
		return 0, "", errMalformedOpaqueFrame
	}
	payload = payload[n:]

	nameLen, n := binary.Uvarint(payload)
	if n <= 0 || int(nameLen) != len(payload)-n {
		return 0, "", errMalformedOpaqueFrame
	}
	return uint16(rawPort), string(payload[n:]), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var errMalformedOpaqueFrame = &opaqueFrameError{}

type opaqueFrameError struct{}

func (*opaqueFrameError) Error() string {
	return "transport: malformed opaque-transport frame"
}
