// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for SimpleGo backend holds a region of "device" memory.
//
// The storage is a float32 slice, so kernels can use it directly, and bytes is a view of the same
// memory used for copies.
type Buffer struct {
	size  uintptr
	valid atomic.Bool

	flat  []float32
	bytes []byte
}

// Flat returns the buffer contents as float32 values. Only valid while the buffer is not freed.
func (buf *Buffer) Flat() []float32 { return buf.flat }

// Bytes returns the buffer contents as raw bytes. Only valid while the buffer is not freed.
func (buf *Buffer) Bytes() []byte { return buf.bytes }

// Size returns the size in bytes of the buffer.
func (buf *Buffer) Size() uintptr { return buf.size }

// newHostBuffer allocates a Buffer without device memory accounting.
func newHostBuffer(size uintptr) *Buffer {
	buf := &Buffer{size: size}
	if size > 0 {
		buf.flat = make([]float32, (size+3)/4)
		buf.bytes = unsafe.Slice((*byte)(unsafe.Pointer(&buf.flat[0])), size)
	}
	buf.valid.Store(true)
	return buf
}

// toBuffer converts a backends.Buffer to a live *Buffer, or returns an error describing the problem.
func toBuffer(backendBuffer backends.Buffer) (*Buffer, error) {
	buf, ok := backendBuffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer (%T) is not a %q backend buffer", backendBuffer, BackendName)
	}
	if buf == nil || !buf.valid.Load() {
		var issues []string
		if buf == nil {
			issues = append(issues, "buffer was nil")
		} else {
			issues = append(issues, "buffer was marked as invalid")
		}
		return nil, errors.Errorf("buffer(%p): %s -- buffer was already freed!?", buf, strings.Join(issues, ", "))
	}
	return buf, nil
}

// Malloc allocates sizeInBytes of device memory, accounted against the configured capacity.
func (b *Backend) Malloc(deviceNum backends.DeviceNum, sizeInBytes uintptr) (backends.Buffer, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return nil, errors.Errorf("backend %q: Malloc called after Finalize", BackendName)
	}
	if b.used+sizeInBytes > b.capacity {
		free := b.capacity - b.used
		b.mu.Unlock()
		return nil, errors.Wrapf(backends.ErrOutOfMemory, "backend %q: cannot allocate %s, only %s free of %s",
			BackendName, humanize.IBytes(uint64(sizeInBytes)), humanize.IBytes(uint64(free)),
			humanize.IBytes(uint64(b.capacity)))
	}
	b.used += sizeInBytes
	b.mu.Unlock()
	return newHostBuffer(sizeInBytes), nil
}

// Free releases the buffer. Freeing a buffer twice returns an error.
func (b *Backend) Free(backendBuffer backends.Buffer) error {
	buf, ok := backendBuffer.(*Buffer)
	if !ok || buf == nil {
		return errors.Errorf("Free(%T): not a %q backend buffer", backendBuffer, BackendName)
	}
	if !buf.valid.CompareAndSwap(true, false) {
		return errors.Errorf("Free(%p): buffer was already freed", buf)
	}
	b.mu.Lock()
	b.used -= buf.size
	b.mu.Unlock()
	return nil
}

// BufferSize returns the size in bytes of a live buffer.
func (b *Backend) BufferSize(backendBuffer backends.Buffer) (uintptr, error) {
	buf, err := toBuffer(backendBuffer)
	if err != nil {
		return 0, err
	}
	return buf.size, nil
}

// MemoryInfo returns the free and total memory of the device.
func (b *Backend) MemoryInfo(deviceNum backends.DeviceNum) (free, total uintptr, err error) {
	if err = b.checkDevice(deviceNum); err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - b.used, b.capacity, nil
}
