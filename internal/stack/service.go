// SPDX-License-Identifier: GPL-3.0-or-later

package stack

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Service is the ambient "poll-ready then call" contract described in the
// stack-composition design: a caller must witness readiness with [Poll]
// before sending work via [Call], and a service may report not-ready-yet
// without buffering. This two-phase dispatch is what makes fail-fast and
// backpressure possible and testable.
type Service[Req, Resp any] interface {
	// Poll reports whether the service is ready to accept a [Call].
	// A non-nil, non-[ErrNotReady] error means the service is
	// permanently broken and callers should stop retrying.
	Poll(ctx context.Context) error

	// Call dispatches a single request. Callers must have observed a
	// successful [Poll] immediately before calling.
	Call(ctx context.Context, req Req) (Resp, error)
}

// ServiceFunc adapts a bare [Func] into an always-ready [Service].
func ServiceFunc[Req, Resp any](fn Func[Req, Resp]) Service[Req, Resp] {
	return &alwaysReady[Req, Resp]{fn}
}

type alwaysReady[Req, Resp any] struct {
	fn Func[Req, Resp]
}

func (s *alwaysReady[Req, Resp]) Poll(ctx context.Context) error { return nil }

func (s *alwaysReady[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return s.fn.Call(ctx, req)
}

// Factory builds a [Service] for a given routing target. Every stack layer
// in this package wraps an inner [Factory] and exposes an outer one,
// bottom-up, matching the "builder that yields a typed factory" model
// described for statically-typed targets.
type Factory[T, Req, Resp any] interface {
	NewService(ctx context.Context, target T) (Service[Req, Resp], error)
}

// FactoryFunc adapts a function into a [Factory].
type FactoryFunc[T, Req, Resp any] func(ctx context.Context, target T) (Service[Req, Resp], error)

// NewService implements [Factory].
func (f FactoryFunc[T, Req, Resp]) NewService(ctx context.Context, target T) (Service[Req, Resp], error) {
	return f(ctx, target)
}

// MapTarget adapts a [Factory] expecting an inner target type to one that
// accepts an outer target type, via a pure mapping function. This is the
// map_target combinator: it lets an outer layer work in terms of a richer
// target (e.g. a full [addr.Target]) while the inner layer only needs a
// projection of it (e.g. just the concrete address).
func MapTarget[T, U, Req, Resp any](f func(T) U, inner Factory[U, Req, Resp]) Factory[T, Req, Resp] {
	return FactoryFunc[T, Req, Resp](func(ctx context.Context, target T) (Service[Req, Resp], error) {
		return inner.NewService(ctx, f(target))
	})
}

// FilterRequest rejects requests before they reach the inner service,
// based on a predicate over the request value. Used by layers that must
// refuse a request outright (e.g. requiring a peer identity) rather than
// transform it.
func FilterRequest[Req, Resp any](check func(Req) error, inner Service[Req, Resp]) Service[Req, Resp] {
	return &filterRequest[Req, Resp]{check: check, inner: inner}
}

type filterRequest[Req, Resp any] struct {
	check func(Req) error
	inner Service[Req, Resp]
}

func (f *filterRequest[Req, Resp]) Poll(ctx context.Context) error { return f.inner.Poll(ctx) }

func (f *filterRequest[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	if err := f.check(req); err != nil {
		var zero Resp
		return zero, err
	}
	return f.inner.Call(ctx, req)
}

// ErrNotReady is returned by [Service.Poll] when the service cannot yet
// accept work but may become ready later.
type ErrNotReady struct{ Reason string }

func (e *ErrNotReady) Error() string {
	if e.Reason == "" {
		return "stack: service not ready"
	}
	return "stack: service not ready: " + e.Reason
}

// AwaitReady polls svc until it reports ready, a terminal error occurs,
// or ctx expires. [ErrNotReady] keeps the wait alive; any other error is
// permanent and returned immediately. On ctx expiry the last readiness
// error is returned, so callers surface "no ready endpoint" rather than a
// bare deadline.
func AwaitReady[Req, Resp any](ctx context.Context, svc Service[Req, Resp], interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	for {
		err := svc.Poll(ctx)
		var notReady *ErrNotReady
		if err == nil || !errors.As(err, &notReady) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(interval):
		}
	}
}

// FailFast wraps a service so that, once [Poll] has observed
// [ErrNotReady] continuously for longer than dispatchTimeout, further
// calls fail immediately with [ErrOverload] instead of queuing.
func FailFast[Req, Resp any](dispatchTimeout time.Duration, timeNow func() time.Time, inner Service[Req, Resp]) Service[Req, Resp] {
	if timeNow == nil {
		timeNow = time.Now
	}
	return &failFast[Req, Resp]{dispatchTimeout: dispatchTimeout, timeNow: timeNow, inner: inner}
}

// ErrOverload is returned when fail-fast gives up waiting for readiness.
var ErrOverload = &ErrNotReady{Reason: "overloaded"}

type failFast[Req, Resp any] struct {
	dispatchTimeout time.Duration
	timeNow         func() time.Time
	inner           Service[Req, Resp]

	mu           sync.Mutex
	unreadySince time.Time
}

func (f *failFast[Req, Resp]) Poll(ctx context.Context) error {
	err := f.inner.Poll(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		f.unreadySince = time.Time{}
		return nil
	}
	now := f.timeNow()
	if f.unreadySince.IsZero() {
		f.unreadySince = now
	}
	if now.Sub(f.unreadySince) >= f.dispatchTimeout {
		return ErrOverload
	}
	return err
}

func (f *failFast[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f.inner.Call(ctx, req)
}

// ConcurrencyLimit caps the number of in-flight [Call]s; once the limit is
// reached, [Poll] reports not-ready instead of queuing the caller.
func ConcurrencyLimit[Req, Resp any](max int, inner Service[Req, Resp]) Service[Req, Resp] {
	return &concurrencyLimit[Req, Resp]{max: max, sem: make(chan struct{}, max), inner: inner}
}

type concurrencyLimit[Req, Resp any] struct {
	max   int
	sem   chan struct{}
	inner Service[Req, Resp]
}

func (c *concurrencyLimit[Req, Resp]) Poll(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		<-c.sem
	default:
		return &ErrNotReady{Reason: "concurrency limit reached"}
	}
	return c.inner.Poll(ctx)
}

func (c *concurrencyLimit[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	select {
	case c.sem <- struct{}{}:
	default:
		var zero Resp
		return zero, &ErrNotReady{Reason: "concurrency limit reached"}
	}
	defer func() { <-c.sem }()
	return c.inner.Call(ctx, req)
}

// Timeout bounds every [Call] with a per-request deadline.
func Timeout[Req, Resp any](d time.Duration, inner Service[Req, Resp]) Service[Req, Resp] {
	return ServiceFunc[Req, Resp](FuncAdapter[Req, Resp](func(ctx context.Context, req Req) (Resp, error) {
		cctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := inner.Poll(cctx); err != nil {
			var zero Resp
			return zero, err
		}
		return inner.Call(cctx, req)
	}))
}

// InstrumentHooks are called around every [Call] for metrics/logging.
type InstrumentHooks[Req, Resp any] struct {
	Before func(Req)
	After  func(Req, Resp, error, time.Duration)
}

// Instrument wraps a service with before/after hooks, used to drive
// per-layer metrics without entangling business logic with Prometheus.
func Instrument[Req, Resp any](hooks InstrumentHooks[Req, Resp], timeNow func() time.Time, inner Service[Req, Resp]) Service[Req, Resp] {
	if timeNow == nil {
		timeNow = time.Now
	}
	return &instrumented[Req, Resp]{hooks: hooks, timeNow: timeNow, inner: inner}
}

type instrumented[Req, Resp any] struct {
	hooks   InstrumentHooks[Req, Resp]
	timeNow func() time.Time
	inner   Service[Req, Resp]
}

func (i *instrumented[Req, Resp]) Poll(ctx context.Context) error { return i.inner.Poll(ctx) }

func (i *instrumented[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	if i.hooks.Before != nil {
		i.hooks.Before(req)
	}
	t0 := i.timeNow()
	resp, err := i.inner.Call(ctx, req)
	if i.hooks.After != nil {
		i.hooks.After(req, resp, err, i.timeNow().Sub(t0))
	}
	return resp, err
}

// BoxedService type-erases a concrete [Service] into the bare interface,
// the Go equivalent of the box_request/box_response layers: it exists so
// call sites can hold a uniform `Service[Req, Resp]` regardless of how
// deep or generic the concrete wrapper chain underneath it is.
func BoxedService[Req, Resp any](inner Service[Req, Resp]) Service[Req, Resp] {
	return inner
}
