//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from github.com/bassosimone/nop's httpbody.go.
//

package transport

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// httpBodyWrap wraps an HTTP body so that structured log events are
// emitted lazily: httpBodyStreamStart on the first Read, and
// httpBodyStreamDone on Close (only if at least one Read happened).
func httpBodyWrap(
	body io.ReadCloser,
	errClass ErrClassifier,
	laddr string,
	logger SLogger,
	protocol string,
	raddr string,
	timeNow func() time.Time,
) io.ReadCloser {
	return &httpBodyWrapper{
		body:     body,
		errClass: errClass,
		laddr:    laddr,
		logger:   logger,
		protocol: protocol,
		raddr:    raddr,
		timeNow:  timeNow,
	}
}

type httpBodyWrapper struct {
	body      io.ReadCloser
	didRead   atomic.Bool
	errClass  ErrClassifier
	laddr     string
	logger    SLogger
	closeOnce sync.Once
	protocol  string
	raddr     string
	readOnce  sync.Once
	t0        time.Time
	timeNow   func() time.Time
}

var _ io.ReadCloser = &httpBodyWrapper{}

// Close implements [io.ReadCloser].
func (b *httpBodyWrapper) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.body.Close()
		if b.didRead.Load() {
			b.logger.Info(
				"httpBodyStreamDone",
				slog.Any("err", err),
				slog.String("errClass", b.errClass.Classify(err)),
				slog.String("localAddr", b.laddr),
				slog.String("protocol", b.protocol),
				slog.String("remoteAddr", b.raddr),
				slog.Time("t0", b.t0),
				slog.Time("t", b.timeNow()),
			)
		}
	})
	return
}

// Read implements [io.ReadCloser].
func (b *httpBodyWrapper) Read(buffer []byte) (int, error) {
	b.readOnce.Do(func() {
		b.t0 = b.timeNow()
		b.didRead.Store(true)
		b.logger.Info(
			"httpBodyStreamStart",
			slog.String("localAddr", b.laddr),
			slog.String("protocol", b.protocol),
			slog.String("remoteAddr", b.raddr),
			slog.Time("t", b.t0),
		)
	})
	return b.body.Read(buffer)
}
