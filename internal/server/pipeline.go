// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/meshrelay/proxy/internal/addr"
	"github.com/meshrelay/proxy/internal/stack"
	"github.com/meshrelay/proxy/internal/transport"
	"golang.org/x/net/http2"
)

// HTTPMetrics receives one observation per served request. Implemented by
// metrics.Registry.
type HTTPMetrics interface {
	ErrorMetrics
	ObserveHTTPRequest(disposition string, status int, d time.Duration)
}

// Options configures the per-connection pipeline.
type Options struct {
	// Disposition labels metrics and spans: "inbound", "outbound", or
	// "gateway".
	Disposition string

	// DispatchTimeout bounds how long the inner stack may stay unready
	// before requests fail fast with 503 instead of queuing.
	DispatchTimeout time.Duration

	// RequestTimeout is the per-request deadline applied beneath the
	// errors layer, so an expired request surfaces as 504.
	RequestTimeout time.Duration

	// MaxInFlightRequests caps concurrently dispatched requests per
	// connection pipeline; overflow fails fast.
	MaxInFlightRequests int

	Metrics HTTPMetrics
	TimeNow func() time.Time
	Logger  transport.SLogger
}

// Build assembles the request pipeline above the router, outer to inner:
// URI normalization, trace context, request metrics, the
// errors-to-responses translation (which also drives the HTTP-error
// metrics), the per-request timeout, fail-fast, and the concurrency
// limit, all type-erased down to a plain [Svc].
func Build(opts Options, fallbackAuthority string, inner Svc) Svc {
	svc := inner
	if opts.MaxInFlightRequests > 0 {
		svc = stack.ConcurrencyLimit(opts.MaxInFlightRequests, svc)
	}
	if opts.DispatchTimeout > 0 {
		svc = stack.FailFast(opts.DispatchTimeout, opts.TimeNow, svc)
	}
	if opts.RequestTimeout > 0 {
		svc = stack.Timeout(opts.RequestTimeout, svc)
	}
	svc = ErrorsToResponses(opts.Disposition, opts.Metrics, svc)
	if opts.Metrics != nil {
		svc = stack.Instrument(requestHooks(opts), opts.TimeNow, svc)
	}
	svc = TraceContext(opts.Disposition, svc)
	svc = NormalizeURILayer(fallbackAuthority, svc)
	return stack.BoxedService(svc)
}

// requestHooks drives the per-request metrics from the instrument layer,
// observing the status the client will see (errors below have already
// been translated to responses).
func requestHooks(opts Options) stack.InstrumentHooks[*http.Request, *http.Response] {
	return stack.InstrumentHooks[*http.Request, *http.Response]{
		After: func(_ *http.Request, resp *http.Response, err error, d time.Duration) {
			status := http.StatusInternalServerError
			switch {
			case err != nil:
				status = StatusOf(err)
			case resp != nil:
				status = resp.StatusCode
			}
			opts.Metrics.ObserveHTTPRequest(opts.Disposition, status, d)
		},
	}
}

// Handler adapts a [Svc] into an [http.Handler]: it witnesses readiness,
// dispatches, and copies the stack's response onto the wire. Readiness
// failures are translated here — the one place above the errors layer —
// since a request refused at Poll never reaches it.
func Handler(opts Options, svc Svc) http.Handler {
	timeNow := opts.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = transport.DefaultSLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t0 := timeNow()
		ctx := req.Context()

		if err := svc.Poll(ctx); err != nil {
			// A request refused at Poll never reaches the instrument
			// layer, so it is observed here.
			status := StatusOf(err)
			if opts.Metrics != nil {
				opts.Metrics.ObserveHTTPError(opts.Disposition, KindOf(err))
				opts.Metrics.ObserveHTTPRequest(opts.Disposition, status, timeNow().Sub(t0))
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		out := req.Clone(ctx)
		// The server half owns the inbound body; the outbound request
		// reuses it directly.
		out.RequestURI = ""
		resp, err := svc.Call(ctx, out)
		if err != nil {
			// The errors layer converts everything; anything escaping
			// it is a pipeline bug worth logging.
			logger.Info("unhandledPipelineError", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		writeResponse(w, resp)
	})
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		io.Copy(w, resp.Body)
		resp.Body.Close()
	}
}

// ServeConn serves one accepted, protocol-detected connection until the
// client closes it or ctx is cancelled. The HTTP version chooses between
// the stdlib HTTP/1.x server and the h2 server; both honor graceful
// drain via ctx.
func ServeConn(ctx context.Context, conn net.Conn, version addr.HTTPVersion, handler http.Handler) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if version == addr.H2 {
		srv := &http2.Server{}
		srv.ServeConn(conn, &http2.ServeConnOpts{
			Context: ctx,
			Handler: handler,
		})
		return nil
	}

	lst := newOnceListener(conn)
	srv := &http.Server{
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	err := srv.Serve(lst)
	if err == errListenerDone {
		return nil
	}
	return err
}

// errListenerDone signals that a onceListener's single connection has
// been handed out and has since closed.
var errListenerDone = net.ErrClosed

// onceListener yields exactly one connection; the following Accept blocks
// until that connection closes, so [http.Server.Serve] returns only once
// per-connection serving has genuinely ended (HTTP/1 pipelining included,
// since the stdlib server serializes responses per connection itself).
type onceListener struct {
	conn   net.Conn
	closed chan struct{}
	once   sync.Once
	given  bool
	mu     sync.Mutex
}

func newOnceListener(conn net.Conn) *onceListener {
	l := &onceListener{closed: make(chan struct{})}
	l.conn = &notifyCloseConn{Conn: conn, notify: l.signalClosed}
	return l
}

func (l *onceListener) signalClosed() {
	l.once.Do(func() { close(l.closed) })
}

func (l *onceListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	given := l.given
	l.given = true
	l.mu.Unlock()
	if !given {
		return l.conn, nil
	}
	<-l.closed
	return nil, errListenerDone
}

func (l *onceListener) Close() error {
	l.signalClosed()
	return nil
}

func (l *onceListener) Addr() net.Addr { return l.conn.LocalAddr() }

type notifyCloseConn struct {
	net.Conn
	notify func()
}

func (c *notifyCloseConn) Close() error {
	defer c.notify()
	return c.Conn.Close()
}
