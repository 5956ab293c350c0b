// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Stream is the ordered queue of device work of a Context: copies and executions enqueued on it run in
// order, asynchronously.
type Stream struct {
	stream backends.Stream
}

// Synchronize blocks until all work enqueued on the stream is done. Errors of the asynchronous work
// wrap ErrDevice, and the stream remains usable afterwards.
func (s *Stream) Synchronize() error {
	if err := s.stream.Synchronize(); err != nil {
		return wrapCause(ErrDevice, err, "")
	}
	return nil
}

// Numeric is the set of Go types that can be copied to and from device buffers.
type Numeric interface {
	constraints.Integer | constraints.Float
}

// asBytes returns the raw bytes of flat, sharing memory.
func asBytes[T Numeric](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(zero)))
}

func checkCopy[T Numeric](buffer *DeviceBuffer, flat []T) error {
	if buffer == nil || buffer.IsReleased() {
		return errors.Wrapf(ErrInvalidArgument, "copy with a nil or released buffer")
	}
	dtype := dtypes.FromGoType(reflect.TypeFor[T]())
	if dtype != buffer.dtype {
		return errors.Wrapf(ErrInvalidArgument, "copy of %s values with buffer %q of dtype %s", reflect.TypeFor[T](),
			buffer.name, buffer.dtype)
	}
	if uintptr(len(flat))*dtype.Memory() > buffer.size {
		return errors.Wrapf(ErrInvalidArgument, "copy of %d values (%d bytes) with buffer %q of %d bytes",
			len(flat), uintptr(len(flat))*dtype.Memory(), buffer.name, buffer.size)
	}
	return nil
}

// CopyToDevice enqueues a copy of the flat values into the start of dst.
//
// The copy is asynchronous: flat must not be modified until the stream is synchronized.
// The type T must match the dtype of the buffer, and flat can't be larger than the buffer.
func CopyToDevice[T Numeric](s *Stream, dst *DeviceBuffer, flat []T) error {
	if err := checkCopy(dst, flat); err != nil {
		return err
	}
	if err := s.stream.CopyHostToDevice(dst.buffer, asBytes(flat)); err != nil {
		return wrapCause(ErrDevice, err, "copy to buffer %q", dst.name)
	}
	return nil
}

// CopyFromDevice enqueues a copy from the start of src into the flat values.
//
// The copy is asynchronous: flat must not be read until the stream is synchronized.
// The type T must match the dtype of the buffer, and flat can't be larger than the buffer.
func CopyFromDevice[T Numeric](s *Stream, flat []T, src *DeviceBuffer) error {
	if err := checkCopy(src, flat); err != nil {
		return err
	}
	if err := s.stream.CopyDeviceToHost(asBytes(flat), src.buffer); err != nil {
		return wrapCause(ErrDevice, err, "copy from buffer %q", src.name)
	}
	return nil
}
