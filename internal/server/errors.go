// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/meshrelay/proxy/internal/perror"
	"github.com/meshrelay/proxy/internal/stack"
	"github.com/meshrelay/proxy/internal/transport"
)

// ErrorMetrics receives one observation per request translated to an
// error response. Implemented by metrics.Registry.
type ErrorMetrics interface {
	ObserveHTTPError(disposition string, kind string)
}

// StatusOf maps an error travelling up the stack to the HTTP status the
// client sees. This is the single translation point: layers below must
// propagate errors unmodified, and layers above must not re-map.
func StatusOf(err error) int {
	var kind perror.Kind
	if perror.As(err, &kind) {
		switch kind {
		case perror.LoopPrevented, perror.LoopDetected:
			return http.StatusLoopDetected
		case perror.IdentityRequired:
			return http.StatusForbidden
		case perror.DiscoveryRejected, perror.NoRoute:
			return http.StatusNotFound
		case perror.Overload:
			return http.StatusServiceUnavailable
		case perror.Timeout:
			return http.StatusGatewayTimeout
		}
	}

	var loopErr *transport.ErrLoopPrevented
	if errors.As(err, &loopErr) {
		return http.StatusLoopDetected
	}
	if errors.Is(err, stack.ErrOverload) {
		return http.StatusServiceUnavailable
	}
	var notReady *stack.ErrNotReady
	if errors.As(err, &notReady) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// KindOf derives the metric label for an error translated to a response.
func KindOf(err error) string {
	var kind perror.Kind
	if perror.As(err, &kind) {
		return string(kind)
	}
	var loopErr *transport.ErrLoopPrevented
	if errors.As(err, &loopErr) {
		return string(perror.LoopPrevented)
	}
	var notReady *stack.ErrNotReady
	if errors.As(err, &notReady) {
		return string(perror.Overload)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(perror.Timeout)
	}
	return string(perror.Io)
}

// ErrorsToResponses wraps a service so that every error it surfaces is
// converted into an HTTP response with the status [StatusOf] prescribes
// and a one-line plain-text body. The inner service's successful
// responses pass through untouched.
func ErrorsToResponses(disposition string, metrics ErrorMetrics, inner Svc) Svc {
	return &errorsToResponses{disposition: disposition, metrics: metrics, inner: inner}
}

type errorsToResponses struct {
	disposition string
	metrics     ErrorMetrics
	inner       Svc
}

func (e *errorsToResponses) Poll(ctx context.Context) error { return e.inner.Poll(ctx) }

func (e *errorsToResponses) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := e.inner.Call(ctx, req)
	if err == nil {
		return resp, nil
	}
	if e.metrics != nil {
		e.metrics.ObserveHTTPError(e.disposition, KindOf(err))
	}
	return errorResponse(req, err), nil
}

// errorResponse builds the client-visible response for err.
func errorResponse(req *http.Request, err error) *http.Response {
	status := StatusOf(err)
	body := http.StatusText(status) + "\n"
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
