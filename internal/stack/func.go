// SPDX-License-Identifier: GPL-3.0-or-later

// Package stack provides the composable primitives used to build the
// proxy's request pipelines: a generic [Func] for single-shot
// transformations, [Compose2] through [Compose6] for chaining them, and a
// readiness-aware [Service]/[Factory] pair for the parts of the pipeline that
// need two-phase dispatch (poll-ready, then call) such as fail-fast and
// concurrency limiting.
package stack

import "context"

// Func is a generic operation that accepts an input and returns a result.
//
// Func instances can be composed using [Compose2], [Compose3], etc. to
// build type-safe pipelines where the output of one stage flows to the
// input of the next.
//
// Resource cleanup contract: when a Func receives a closeable resource as
// input and returns an error, it is responsible for closing that resource
// before returning, so that composed pipelines never leak resources on
// partial failure.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter wraps a function as a [Func] implementation.
//
// Use this to create ad-hoc [Func] instances from closures when a custom
// stage doesn't warrant its own named type.
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}
