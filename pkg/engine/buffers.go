// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DeviceBuffer is a region of device memory holding one binding.
//
// It must be released exactly once with Release: releasing it again returns ErrDoubleRelease.
type DeviceBuffer struct {
	name     string
	dtype    dtypes.DType
	size     uintptr
	backend  backends.Backend
	buffer   backends.Buffer
	released atomic.Bool
}

// Name of the binding the buffer was allocated for.
func (b *DeviceBuffer) Name() string { return b.name }

// DType of the values in the buffer.
func (b *DeviceBuffer) DType() dtypes.DType { return b.dtype }

// Size in bytes of the buffer.
func (b *DeviceBuffer) Size() uintptr { return b.size }

// IsReleased returns whether Release has been called.
func (b *DeviceBuffer) IsReleased() bool { return b.released.Load() }

// Release frees the device memory. It returns ErrDoubleRelease if the buffer was already released.
func (b *DeviceBuffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrDoubleRelease, "buffer %q", b.name)
	}
	if err := b.backend.Free(b.buffer); err != nil {
		return wrapCause(ErrDevice, err, "releasing buffer %q", b.name)
	}
	return nil
}

// allocate a device buffer, converting the errors of the backend.
func allocate(backend backends.Backend, deviceNum backends.DeviceNum, name string, dtype dtypes.DType, size uintptr) (*DeviceBuffer, error) {
	buffer, err := backend.Malloc(deviceNum, size)
	if err != nil {
		if errors.Is(err, backends.ErrOutOfMemory) {
			return nil, wrapCause(ErrResourceExhausted, err, "allocating %s for %q", humanize.IBytes(uint64(size)), name)
		}
		return nil, wrapCause(ErrDevice, err, "allocating %s for %q", humanize.IBytes(uint64(size)), name)
	}
	return &DeviceBuffer{name: name, dtype: dtype, size: size, backend: backend, buffer: buffer}, nil
}

// Bindings maps binding names to device buffers for an execution.
type Bindings map[string]*DeviceBuffer

// BindingBuffers holds one DeviceBuffer per binding of an Engine, each sized for the maximum dimensions
// of the binding, so they can be reused for any input shape within the optimization profile.
type BindingBuffers struct {
	engine  *Engine
	buffers []*DeviceBuffer
}

// AllocateBindings allocates one DeviceBuffer per binding of the engine, at the maximum dimensions.
//
// If any allocation fails, the buffers already allocated are released. Release the returned buffers
// with BindingBuffers.Release, or use WithBindingBuffers.
func AllocateBindings(e *Engine) (*BindingBuffers, error) {
	if e.isFinalized() {
		return nil, errors.Wrapf(ErrInvalidArgument, "engine %q already finalized", e.name)
	}
	bb := &BindingBuffers{engine: e, buffers: make([]*DeviceBuffer, 0, len(e.bindings))}
	for _, binding := range e.bindings {
		buf, err := allocate(e.backend, e.deviceNum, binding.Name, binding.Shape.DType, binding.MaxMemory())
		if err != nil {
			_ = bb.Release()
			return nil, err
		}
		bb.buffers = append(bb.buffers, buf)
	}
	return bb, nil
}

// WithBindingBuffers allocates the binding buffers of the engine, calls fn, and releases the buffers
// when fn returns. It returns the error of fn, or else the error releasing the buffers.
func WithBindingBuffers(e *Engine, fn func(buffers *BindingBuffers) error) (err error) {
	bb, err := AllocateBindings(e)
	if err != nil {
		return err
	}
	defer func() {
		releaseErr := bb.Release()
		if err == nil {
			err = releaseErr
		}
	}()
	return fn(bb)
}

// Buffer returns the buffer of the named binding, or nil if there is no such binding.
func (bb *BindingBuffers) Buffer(name string) *DeviceBuffer {
	idx := bb.engine.BindingIndex(name)
	if idx < 0 || idx >= len(bb.buffers) {
		return nil
	}
	return bb.buffers[idx]
}

// Bindings returns the map of binding names to buffers, to be used with Context.Execute.
func (bb *BindingBuffers) Bindings() Bindings {
	bindings := make(Bindings, len(bb.buffers))
	for _, buf := range bb.buffers {
		bindings[buf.name] = buf
	}
	return bindings
}

// Release all buffers. It returns the first error, but it attempts to release all of them.
func (bb *BindingBuffers) Release() error {
	var firstErr error
	for _, buf := range bb.buffers {
		if err := buf.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
