// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"

	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// streamQueueSize is the number of tasks that can be enqueued before Enqueue blocks.
const streamQueueSize = 64

// Stream is an ordered queue of work served by one goroutine.
type Stream struct {
	tasks   chan func() error
	pending sync.WaitGroup

	mu        sync.Mutex
	err       error
	destroyed bool
}

// Compile-time check:
var _ backends.Stream = (*Stream)(nil)

// NewStream creates a new Stream with its own goroutine.
func (b *Backend) NewStream(deviceNum backends.DeviceNum) (backends.Stream, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	b.mu.Lock()
	finalized := b.finalized
	b.mu.Unlock()
	if finalized {
		return nil, errors.Errorf("backend %q: NewStream called after Finalize", BackendName)
	}
	s := &Stream{tasks: make(chan func() error, streamQueueSize)}
	go s.serve()
	return s, nil
}

func (s *Stream) serve() {
	for task := range s.tasks {
		s.run(task)
		s.pending.Done()
	}
}

// run executes the task, unless a previous task failed. Panics are converted to errors.
func (s *Stream) run(task func() error) {
	s.mu.Lock()
	failed := s.err != nil
	s.mu.Unlock()
	if failed {
		return
	}
	var err error
	panicErr := exceptions.TryCatch[error](func() { err = task() })
	if panicErr != nil {
		err = errors.WithMessage(panicErr, "panic while executing stream task")
	}
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
}

// Enqueue a task to be executed after all previously enqueued work.
func (s *Stream) Enqueue(task func() error) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("stream already destroyed")
	}
	s.pending.Add(1)
	s.mu.Unlock()
	s.tasks <- task
	return nil
}

// CopyHostToDevice enqueues a copy of src into the start of dst.
func (s *Stream) CopyHostToDevice(dst backends.Buffer, src []byte) error {
	buf, err := toBuffer(dst)
	if err != nil {
		return errors.WithMessage(err, "CopyHostToDevice")
	}
	if uintptr(len(src)) > buf.size {
		return errors.Errorf("CopyHostToDevice: copying %d bytes into buffer of %d bytes", len(src), buf.size)
	}
	return s.Enqueue(func() error {
		if !buf.valid.Load() {
			return errors.Errorf("CopyHostToDevice: buffer(%p) freed before the copy executed", buf)
		}
		copy(buf.bytes, src)
		return nil
	})
}

// CopyDeviceToHost enqueues a copy from the start of src into dst.
func (s *Stream) CopyDeviceToHost(dst []byte, src backends.Buffer) error {
	buf, err := toBuffer(src)
	if err != nil {
		return errors.WithMessage(err, "CopyDeviceToHost")
	}
	if uintptr(len(dst)) > buf.size {
		return errors.Errorf("CopyDeviceToHost: copying %d bytes from buffer of %d bytes", len(dst), buf.size)
	}
	return s.Enqueue(func() error {
		if !buf.valid.Load() {
			return errors.Errorf("CopyDeviceToHost: buffer(%p) freed before the copy executed", buf)
		}
		copy(dst, buf.bytes)
		return nil
	})
}

// Synchronize waits for all enqueued work, and returns (and clears) the first error since the last call.
func (s *Stream) Synchronize() error {
	s.pending.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Destroy waits for pending work and stops the stream goroutine.
func (s *Stream) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("stream already destroyed")
	}
	s.destroyed = true
	s.mu.Unlock()
	err := s.Synchronize()
	close(s.tasks)
	return err
}
