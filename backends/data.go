// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/pkg/errors"

// ErrOutOfMemory is wrapped by errors returned when the device doesn't have enough memory for an allocation.
var ErrOutOfMemory = errors.New("device out of memory")

// Buffer represents a region of memory in the device.
//
// It is opaque from the engine perspective: only the backend that allocated it can use it.
type Buffer any

// DataInterface is the Backend's sub-interface that defines the API to manage device memory and streams.
type DataInterface interface {
	// Malloc allocates sizeInBytes of memory on deviceNum.
	// It returns an error wrapping ErrOutOfMemory if the device doesn't have enough free memory.
	Malloc(deviceNum DeviceNum, sizeInBytes uintptr) (Buffer, error)

	// Free releases the buffer immediately. Freeing a buffer twice returns an error.
	//
	// A freed buffer should never be used again. Preferably, the caller should set its references to it to nil.
	Free(buffer Buffer) error

	// BufferSize returns the size in bytes of a live buffer.
	BufferSize(buffer Buffer) (uintptr, error)

	// MemoryInfo returns the free and total memory of the device, in bytes.
	MemoryInfo(deviceNum DeviceNum) (free, total uintptr, err error)

	// NewStream creates an ordered queue of device work on deviceNum.
	NewStream(deviceNum DeviceNum) (Stream, error)
}

// Stream is an ordered queue of device work: copies and plan executions enqueued on the same stream
// execute in the order they were enqueued, asynchronously with respect to the caller.
//
// A Stream is not safe for concurrent use: it is owned by one execution context.
type Stream interface {
	// CopyHostToDevice enqueues a copy of src into the start of the device buffer dst.
	// src must not be modified until the stream is synchronized.
	CopyHostToDevice(dst Buffer, src []byte) error

	// CopyDeviceToHost enqueues a copy from the start of the device buffer src into dst.
	// dst must not be read until the stream is synchronized.
	CopyDeviceToHost(dst []byte, src Buffer) error

	// Synchronize blocks until all work enqueued so far is done. It returns the first error of the
	// enqueued work since the last Synchronize, and clears it: the stream can be reused afterwards.
	// Work enqueued after a failure and before Synchronize is skipped.
	Synchronize() error

	// Destroy waits for pending work and releases the stream.
	Destroy() error
}
