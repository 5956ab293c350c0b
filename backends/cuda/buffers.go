// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build cuda

package cuda

import (
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

// Buffer is a region of memory of a CUDA device.
type Buffer struct {
	dev   *device
	ptr   cu.DevicePtr
	size  uintptr
	valid atomic.Bool

	// staging is a host copy of the buffer, used by executions of a plan. It is only accessed by stream
	// tasks, which are serialized for the context owning a workspace.
	staging []float32
}

func toBuffer(backendBuffer backends.Buffer) (*Buffer, error) {
	buf, ok := backendBuffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("buffer (%T) is not a %q backend buffer", backendBuffer, BackendName)
	}
	if !buf.valid.Load() {
		return nil, errors.Errorf("buffer(%p) was already freed", buf)
	}
	return buf, nil
}

// Malloc allocates sizeInBytes of memory on the device.
func (b *Backend) Malloc(deviceNum backends.DeviceNum, sizeInBytes uintptr) (backends.Buffer, error) {
	dev, err := b.device(deviceNum)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.used[deviceNum]+sizeInBytes > dev.total {
		free := dev.total - b.used[deviceNum]
		b.mu.Unlock()
		return nil, errors.Wrapf(backends.ErrOutOfMemory, "backend %q: cannot allocate %s on device #%d, only %s free",
			BackendName, humanize.IBytes(uint64(sizeInBytes)), deviceNum, humanize.IBytes(uint64(free)))
	}
	b.used[deviceNum] += sizeInBytes
	b.mu.Unlock()

	buf := &Buffer{dev: dev, size: sizeInBytes}
	if sizeInBytes > 0 {
		err = dev.do(func() (err error) {
			buf.ptr, err = cu.MemAlloc(int64(sizeInBytes))
			return
		})
		if err != nil {
			b.mu.Lock()
			b.used[deviceNum] -= sizeInBytes
			b.mu.Unlock()
			return nil, errors.Wrapf(backends.ErrOutOfMemory, "backend %q: allocating %s on device #%d: %v",
				BackendName, humanize.IBytes(uint64(sizeInBytes)), deviceNum, err)
		}
	}
	buf.valid.Store(true)
	return buf, nil
}

// Free releases the device memory of the buffer.
func (b *Backend) Free(backendBuffer backends.Buffer) error {
	buf, ok := backendBuffer.(*Buffer)
	if !ok || buf == nil {
		return errors.Errorf("Free(%T): not a %q backend buffer", backendBuffer, BackendName)
	}
	if !buf.valid.CompareAndSwap(true, false) {
		return errors.Errorf("Free(%p): buffer was already freed", buf)
	}
	b.mu.Lock()
	b.used[buf.dev.num] -= buf.size
	b.mu.Unlock()
	buf.staging = nil
	if buf.size == 0 {
		return nil
	}
	return buf.dev.do(func() error { return cu.MemFree(buf.ptr) })
}

// BufferSize returns the size in bytes of a live buffer.
func (b *Backend) BufferSize(backendBuffer backends.Buffer) (uintptr, error) {
	buf, err := toBuffer(backendBuffer)
	if err != nil {
		return 0, err
	}
	return buf.size, nil
}

// MemoryInfo returns the memory of the device not allocated by this backend, and its total memory.
func (b *Backend) MemoryInfo(deviceNum backends.DeviceNum) (free, total uintptr, err error) {
	dev, err := b.device(deviceNum)
	if err != nil {
		return 0, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return dev.total - b.used[deviceNum], dev.total, nil
}

// copyToDevice copies the bytes of src into the start of buf, synchronously.
func (buf *Buffer) copyToDevice(src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return buf.dev.do(func() error { return cu.MemcpyHtoD(buf.ptr, unsafe.Pointer(&src[0]), int64(len(src))) })
}

// copyFromDevice copies the start of buf into dst, synchronously.
func (buf *Buffer) copyFromDevice(dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	return buf.dev.do(func() error { return cu.MemcpyDtoH(unsafe.Pointer(&dst[0]), buf.ptr, int64(len(dst))) })
}

func float32Bytes(flat []float32) []byte {
	if len(flat) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), 4*len(flat))
}
