// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"context"
	"net/http"
	"sync"

	"go.opencensus.io/plugin/ochttp/propagation/b3"
	"go.opencensus.io/trace"
	"go.opencensus.io/trace/propagation"
)

// TraceContext wraps a service so that B3 headers are extracted from the
// incoming request, a span covers the dispatch, and the (possibly new)
// span context is re-injected into the request forwarded downstream.
func TraceContext(disposition string, inner Svc) Svc {
	return &traceContext{
		disposition: disposition,
		format:      &b3.HTTPFormat{},
		inner:       inner,
	}
}

type traceContext struct {
	disposition string
	format      propagation.HTTPFormat
	inner       Svc
}

func (t *traceContext) Poll(ctx context.Context) error { return t.inner.Poll(ctx) }

func (t *traceContext) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	name := t.disposition + ".dispatch"
	var span *trace.Span
	if parent, ok := t.format.SpanContextFromRequest(req); ok {
		ctx, span = trace.StartSpanWithRemoteParent(ctx, name, parent)
	} else {
		ctx, span = trace.StartSpan(ctx, name)
	}
	defer span.End()

	span.AddAttributes(
		trace.StringAttribute("http.method", req.Method),
		trace.StringAttribute("http.url", req.URL.String()),
	)
	t.format.SpanContextToRequest(span.SpanContext(), req)

	resp, err := t.inner.Call(ctx, req)
	switch {
	case err != nil:
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
	case resp != nil:
		span.AddAttributes(trace.Int64Attribute("http.status_code", int64(resp.StatusCode)))
	}
	return resp, err
}

// ChannelExporter is a [trace.Exporter] that buffers exported spans on a
// bounded channel, dropping the oldest buffered span on overflow so a
// slow or absent span consumer can never stall request handling.
type ChannelExporter struct {
	mu      sync.Mutex
	spans   chan *trace.SpanData
	dropped int64
}

// NewChannelExporter returns a [*ChannelExporter] buffering up to
// capacity spans. Register it with [trace.RegisterExporter].
func NewChannelExporter(capacity int) *ChannelExporter {
	return &ChannelExporter{spans: make(chan *trace.SpanData, capacity)}
}

var _ trace.Exporter = &ChannelExporter{}

// ExportSpan implements [trace.Exporter].
func (e *ChannelExporter) ExportSpan(sd *trace.SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		select {
		case e.spans <- sd:
			return
		default:
		}
		select {
		case <-e.spans:
			e.dropped++
		default:
		}
	}
}

// Spans returns the receive side of the buffer for the span consumer.
func (e *ChannelExporter) Spans() <-chan *trace.SpanData { return e.spans }

// Dropped reports how many spans were discarded due to overflow.
func (e *ChannelExporter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}
