//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from github.com/bassosimone/nop's errclass platform fragments,
// extended with the classification logic previously delegated to the
// (out-of-pack) sibling module.
//

// Package errclass maps network errors into short, stable strings for use
// as Prometheus label values and structured-log fields.
package errclass

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Known classifier strings. Callers should treat this set as open: unknown
// errors classify as [EGENERIC] rather than causing a lookup failure.
const (
	EADDRNOTAVAIL = "EADDRNOTAVAIL"
	EADDRINUSE    = "EADDRINUSE"
	ECONNABORTED  = "ECONNABORTED"
	ECONNREFUSED  = "ECONNREFUSED"
	ECONNRESET    = "ECONNRESET"
	EHOSTUNREACH  = "EHOSTUNREACH"
	ENETDOWN      = "ENETDOWN"
	ENETUNREACH   = "ENETUNREACH"
	ENOTCONN      = "ENOTCONN"
	ETIMEDOUT     = "ETIMEDOUT"
	EEOF          = "EOF"
	ECANCELED     = "ECANCELED"
	EGENERIC      = "EGENERIC"
)

// New classifies err into one of the constants above. It returns "" for a
// nil error, matching the no-op behavior callers expect when there is
// nothing to classify.
func New(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ECANCELED
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ETIMEDOUT
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ETIMEDOUT
	}
	if errors.Is(err, net.ErrClosed) {
		return ECONNABORTED
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if s := classifyErrno(errno); s != "" {
			return s
		}
	}
	return EGENERIC
}

func classifyErrno(errno syscall.Errno) string {
	switch errno {
	case errEADDRNOTAVAIL:
		return EADDRNOTAVAIL
	case errEADDRINUSE:
		return EADDRINUSE
	case errECONNABORTED:
		return ECONNABORTED
	case errECONNREFUSED:
		return ECONNREFUSED
	case errECONNRESET:
		return ECONNRESET
	case errEHOSTUNREACH:
		return EHOSTUNREACH
	case errENETDOWN:
		return ENETDOWN
	case errENETUNREACH:
		return ENETUNREACH
	case errENOTCONN:
		return ENOTCONN
	case errETIMEDOUT:
		return ETIMEDOUT
	default:
		return ""
	}
}
