// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build cuda

package cuda

import (
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/backends/simplego"
	"github.com/pkg/errors"
)

// Stream orders the copies and executions of one context. The ordering (and error handling) is
// delegated to a host stream, whose tasks issue the driver calls.
type Stream struct {
	dev   *device
	queue *simplego.Stream
}

// Compile-time check:
var _ backends.Stream = (*Stream)(nil)

// NewStream creates a new Stream for the device.
func (b *Backend) NewStream(deviceNum backends.DeviceNum) (backends.Stream, error) {
	dev, err := b.device(deviceNum)
	if err != nil {
		return nil, err
	}
	queue, err := b.host.NewStream(0)
	if err != nil {
		return nil, err
	}
	return &Stream{dev: dev, queue: queue.(*simplego.Stream)}, nil
}

func (s *Stream) checkCopy(op string, buffer backends.Buffer, numBytes int) (*Buffer, error) {
	buf, err := toBuffer(buffer)
	if err != nil {
		return nil, errors.WithMessage(err, op)
	}
	if buf.dev != s.dev {
		return nil, errors.Errorf("%s: buffer in device #%d, stream in device #%d", op, buf.dev.num, s.dev.num)
	}
	if uintptr(numBytes) > buf.size {
		return nil, errors.Errorf("%s: copying %d bytes with buffer of %d bytes", op, numBytes, buf.size)
	}
	return buf, nil
}

// CopyHostToDevice enqueues a copy of src into the start of dst.
func (s *Stream) CopyHostToDevice(dst backends.Buffer, src []byte) error {
	buf, err := s.checkCopy("CopyHostToDevice", dst, len(src))
	if err != nil {
		return err
	}
	return s.queue.Enqueue(func() error {
		if !buf.valid.Load() {
			return errors.Errorf("CopyHostToDevice: buffer(%p) freed before the copy executed", buf)
		}
		return buf.copyToDevice(src)
	})
}

// CopyDeviceToHost enqueues a copy from the start of src into dst.
func (s *Stream) CopyDeviceToHost(dst []byte, src backends.Buffer) error {
	buf, err := s.checkCopy("CopyDeviceToHost", src, len(dst))
	if err != nil {
		return err
	}
	return s.queue.Enqueue(func() error {
		if !buf.valid.Load() {
			return errors.Errorf("CopyDeviceToHost: buffer(%p) freed before the copy executed", buf)
		}
		return buf.copyFromDevice(dst)
	})
}

// Synchronize waits for all enqueued work, and returns (and clears) the first error since the last call.
func (s *Stream) Synchronize() error { return s.queue.Synchronize() }

// Destroy waits for pending work and releases the stream.
func (s *Stream) Destroy() error { return s.queue.Destroy() }
