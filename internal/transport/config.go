//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from github.com/bassosimone/nop's config.go.
//

package transport

import (
	"net"
	"time"
)

// Config holds common configuration for transport operations. Pass this
// to constructor functions to pre-wire dependencies; every field has a
// sensible default set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc]. Set by [NewConfig] to
	// [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging and
	// metric labels. Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time. Set by [NewConfig] to
	// [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		TimeNow:       time.Now,
	}
}
