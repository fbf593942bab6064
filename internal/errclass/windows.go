//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from github.com/bassosimone/nop's errclass/windows.go fragment.
//

package errclass

import "golang.org/x/sys/windows"

const (
	errEADDRNOTAVAIL = windows.WSAEADDRNOTAVAIL
	errEADDRINUSE    = windows.WSAEADDRINUSE
	errECONNABORTED  = windows.WSAECONNABORTED
	errECONNREFUSED  = windows.WSAECONNREFUSED
	errECONNRESET    = windows.WSAECONNRESET
	errEHOSTUNREACH  = windows.WSAEHOSTUNREACH
	errENETDOWN      = windows.WSAENETDOWN
	errENETUNREACH   = windows.WSAENETUNREACH
	errENOTCONN      = windows.WSAENOTCONN
	errETIMEDOUT     = windows.WSAETIMEDOUT
)
