// Copyright 2026 The custompip Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package perrors defines the coded errors raised by the rendezvous registry
// and the request router. Handlers translate these into the exact response bodies
// described by the HTTP surface, instead of string-matching ad hoc errors.
package perrors

import "github.com/pingcap/errors"

// Status is the HTTP status a coded error maps to.
type Status int

const (
	// StatusBadRequest covers malformed requests: non-positive n, receiver
	// count mismatches, a second sender on the same path, reserved-path
	// sends.
	StatusBadRequest Status = 400
	// StatusConflict also renders as HTTP 400: an already-established path
	// gets a distinct message, not a distinct status code.
	StatusConflict Status = 400
)

var (
	// ErrInvalidReceiverCount is returned when n <= 0 was supplied explicitly.
	ErrInvalidReceiverCount = errors.Normalize(
		"n must be a positive integer, got %d",
		errors.RFCCodeText("CUSTOMPIP:ErrInvalidReceiverCount"),
	)

	// ErrPathEstablished is returned when a registration targets a path that
	// already has a transfer in progress.
	ErrPathEstablished = errors.Normalize(
		"'%s' has already been established",
		errors.RFCCodeText("CUSTOMPIP:ErrPathEstablished"),
	)

	// ErrReceiverCountMismatch is returned when a new arrival's declared n
	// disagrees with the pending rendezvous's declared n.
	ErrReceiverCountMismatch = errors.Normalize(
		"the number of receivers is %d, but got %d",
		errors.RFCCodeText("CUSTOMPIP:ErrReceiverCountMismatch"),
	)

	// ErrReceiverLimitReached is returned when a path already has n receivers.
	ErrReceiverLimitReached = errors.Normalize(
		"the number of receivers has reached the limit of %d",
		errors.RFCCodeText("CUSTOMPIP:ErrReceiverLimitReached"),
	)

	// ErrSenderAlreadyRegistered is returned on a second sender registration
	// for the same path.
	ErrSenderAlreadyRegistered = errors.Normalize(
		"other sender has been registered on '%s'",
		errors.RFCCodeText("CUSTOMPIP:ErrSenderAlreadyRegistered"),
	)

	// ErrReservedPath is returned when a sender attempts to use a reserved
	// path as a rendezvous key.
	ErrReservedPath = errors.Normalize(
		"Cannot send to a reserved path '%s'. (e.g. '/mypath123')",
		errors.RFCCodeText("CUSTOMPIP:ErrReservedPath"),
	)

	// ErrReceiverCountExceedsMax is returned when a declared n exceeds the
	// registry's configured per-path ceiling.
	ErrReceiverCountExceedsMax = errors.Normalize(
		"the number of receivers %d exceeds the limit of %d",
		errors.RFCCodeText("CUSTOMPIP:ErrReceiverCountExceedsMax"),
	)
)

// StatusOf maps a coded error produced by this package to an HTTP status.
// Errors not recognized here default to StatusBadRequest: the registry
// never produces an error the router doesn't know how to render.
func StatusOf(err error) Status {
	switch {
	case ErrPathEstablished.Equal(err):
		return StatusConflict
	default:
		return StatusBadRequest
	}
}
