//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from github.com/bassosimone/nop's spanid.go.
//

package transport

import "github.com/google/uuid"

// NewSpanID returns a UUIDv7 identifying one operation that can fail in a
// single, specific way (e.g. one Connect attempt, one balancer pick). Span
// IDs correlate log entries across pipeline stages; attach one to a
// logger with [*slog.Logger.With] at the top of a request or connection.
func NewSpanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Only the system random source failing can cause this, which
		// would make the process unable to do much else either.
		panic("transport: failed to generate span id: " + err.Error())
	}
	return id.String()
}
