// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import "github.com/pkg/errors"

// Sentinel errors wrapped by the errors returned by this package. Test for them with errors.Is.
//
// The underlying cause, like network.ErrInvalidGraph or backends.ErrWorkspaceLimit, is kept and
// can also be matched with errors.Is.
var (
	// ErrConfiguration is returned by Builder.Build for an invalid builder configuration: missing or
	// extra optimization profiles, shape ranges violating min <= opt <= max, or a maximum batch size
	// that disagrees with the profile.
	ErrConfiguration = errors.New("invalid engine configuration")

	// ErrCompilation is returned by Builder.Build when the graph can't be compiled: invalid structure,
	// unsupported operators or dtypes, or a plan that doesn't fit the workspace budget.
	ErrCompilation = errors.New("engine compilation failed")

	// ErrResourceExhausted is returned when the device doesn't have enough memory.
	ErrResourceExhausted = errors.New("device resources exhausted")

	// ErrInvalidArgument is returned for invalid input shapes, bindings or buffers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDevice is returned when the device fails to execute enqueued work.
	ErrDevice = errors.New("device failure")

	// ErrDoubleRelease is returned when a DeviceBuffer is released more than once.
	ErrDoubleRelease = errors.New("device buffer released twice")
)

// causeError attaches one of the sentinel errors above to the underlying cause, so that both
// can be matched with errors.Is.
type causeError struct {
	kind  error
	cause error
}

// Error implements error, in the same format as errors.Wrapf(kind, cause).
func (e *causeError) Error() string { return e.cause.Error() + ": " + e.kind.Error() }

// Unwrap returns both the sentinel and the cause.
func (e *causeError) Unwrap() []error { return []error{e.kind, e.cause} }

// wrapCause returns an error matching both kind and cause with errors.Is, with cause annotated
// by the optional formatted message.
func wrapCause(kind, cause error, format string, args ...any) error {
	if format != "" {
		cause = errors.WithMessagef(cause, format, args...)
	}
	return &causeError{kind: kind, cause: cause}
}
