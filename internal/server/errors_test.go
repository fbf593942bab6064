// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meshrelay/proxy/internal/perror"
	"github.com/meshrelay/proxy/internal/stack"
	"github.com/meshrelay/proxy/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"loop prevented", perror.Wrap(perror.LoopPrevented, nil), http.StatusLoopDetected},
		{"loop detected", perror.Wrap(perror.LoopDetected, nil), http.StatusLoopDetected},
		{"identity required", perror.Wrap(perror.IdentityRequired, nil), http.StatusForbidden},
		{"discovery rejected", perror.Wrap(perror.DiscoveryRejected, nil), http.StatusNotFound},
		{"no route", perror.Wrap(perror.NoRoute, nil), http.StatusNotFound},
		{"overload", perror.Wrap(perror.Overload, nil), http.StatusServiceUnavailable},
		{"timeout", perror.Wrap(perror.Timeout, nil), http.StatusGatewayTimeout},
		{"raw loop prevention", &transport.ErrLoopPrevented{Port: 4143}, http.StatusLoopDetected},
		{"wrapped loop prevention", perror.Wrap(perror.Io, &transport.ErrLoopPrevented{Port: 4143}), http.StatusLoopDetected},
		{"fail fast", stack.ErrOverload, http.StatusServiceUnavailable},
		{"not ready", &stack.ErrNotReady{Reason: "x"}, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusOf(tc.err))
		})
	}
}

type staticSvc struct {
	resp *http.Response
	err  error
}

func (s *staticSvc) Poll(ctx context.Context) error { return nil }

func (s *staticSvc) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	return s.resp, s.err
}

type recordingErrorMetrics struct {
	kinds []string
}

func (m *recordingErrorMetrics) ObserveHTTPError(disposition, kind string) {
	m.kinds = append(m.kinds, kind)
}

func TestErrorsToResponsesConvertsError(t *testing.T) {
	metrics := &recordingErrorMetrics{}
	svc := ErrorsToResponses("inbound", metrics, &staticSvc{err: perror.Wrap(perror.NoRoute, nil)})

	req := httptest.NewRequest("GET", "http://web.test.svc/", nil)
	resp, err := svc.Call(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, []string{"no_route"}, metrics.kinds)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Not Found\n", string(body))
}

func TestErrorsToResponsesPassthrough(t *testing.T) {
	want := &http.Response{StatusCode: http.StatusNoContent}
	metrics := &recordingErrorMetrics{}
	svc := ErrorsToResponses("inbound", metrics, &staticSvc{resp: want})

	resp, err := svc.Call(context.Background(), httptest.NewRequest("GET", "http://x/", nil))

	require.NoError(t, err)
	assert.Same(t, want, resp)
	assert.Empty(t, metrics.kinds)
}
