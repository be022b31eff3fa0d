/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package gwerr defines the gateway error taxonomy.
//
// Every error that crosses a component boundary carries one of the codes
// below. Messages are user-visible: they must never contain file paths,
// environment variables, or internal symbol names. Causes are kept for
// logging via Unwrap but are not rendered into the message.
package gwerr

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Code identifies an error class on the wire and at the public surface.
type Code string

const (
	InvalidArgument    Code = "InvalidArgument"
	NotFound           Code = "NotFound"
	AlreadyExists      Code = "AlreadyExists"
	ResourceExhausted  Code = "ResourceExhausted"
	PreconditionFailed Code = "PreconditionFailed"
	Timeout            Code = "Timeout"
	Cancelled          Code = "Cancelled"
	WorkerUnavailable  Code = "WorkerUnavailable"
	WorkerFailed       Code = "WorkerFailed"
	Transport          Code = "Transport"
	GenerationError    Code = "GenerationError"
	Internal           Code = "Internal"
)

// internalMessage is the fixed message returned for Internal errors.
// The real cause is logged, never returned.
const internalMessage = "internal error"

// Error is the gateway error type. Code and Message are user-visible;
// cause is only reachable through errors.Unwrap for logging.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches against another *Error with the same code, so sentinel
// comparisons like errors.Is(err, gwerr.New(gwerr.Timeout, "")) work.
func (e *Error) Is(target error) bool {
	var ge *Error
	if errors.As(target, &ge) {
		return e.Code == ge.Code
	}
	return false
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error. The cause does not appear in
// the user-visible message.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the taxonomy code from an error. Context errors map to
// Timeout/Cancelled; anything unrecognized is Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}

// Sanitize converts an arbitrary error into a user-visible *Error.
// Unknown errors become Internal with a fixed message; the caller is
// responsible for logging the original.
func Sanitize(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		if ge.Code == Internal {
			return &Error{Code: Internal, Message: internalMessage, cause: err}
		}
		return ge
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Timeout, "operation deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(Cancelled, "operation cancelled", err)
	}
	return Wrap(Internal, internalMessage, err)
}

// Retryable reports whether the transport layer may retry an operation
// that failed with this code. The set is closed: everything else,
// including unknown codes, is non-retryable.
func Retryable(code Code) bool {
	switch code {
	case Timeout, WorkerUnavailable, WorkerFailed, Transport:
		return true
	}
	return false
}

// GRPCCode maps a taxonomy code onto the canonical gRPC status code for
// surfaces that speak gRPC status.
func GRPCCode(code Code) codes.Code {
	switch code {
	case InvalidArgument:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case AlreadyExists:
		return codes.AlreadyExists
	case ResourceExhausted:
		return codes.ResourceExhausted
	case PreconditionFailed:
		return codes.FailedPrecondition
	case Timeout:
		return codes.DeadlineExceeded
	case Cancelled:
		return codes.Canceled
	case WorkerUnavailable, Transport:
		return codes.Unavailable
	case WorkerFailed:
		return codes.Aborted
	case GenerationError:
		return codes.Unknown
	default:
		return codes.Internal
	}
}
