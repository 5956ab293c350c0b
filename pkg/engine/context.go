// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/dynbatch/pkg/support/logging"
	"github.com/pkg/errors"
)

// Context is the per-invocation state of an Engine: the concrete dimensions of the inputs, a stream
// and a workspace in the device.
//
// A Context is not safe for concurrent use: create one Context per goroutine. Many contexts of the
// same Engine can execute concurrently.
type Context struct {
	engine    *Engine
	stream    *Stream
	workspace backends.Buffer

	// inputDims holds the concrete dimensions of each input, in the order of the graph inputs, nil if not set.
	inputDims [][]int

	// outputDims are derived from inputDims, nil until all input dimensions are set.
	outputDims map[string][]int

	mu        sync.Mutex
	finalized bool
}

// NewContext creates an execution Context, with a new stream and a workspace of Engine.WorkspaceSize bytes.
//
// Input dimensions of static inputs are set already, dynamic inputs must be set with SetInputShape
// before execution. Finalize the Context when done.
func (e *Engine) NewContext() (*Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil, errors.Wrapf(ErrInvalidArgument, "engine %q already finalized", e.name)
	}
	stream, err := e.backend.NewStream(e.deviceNum)
	if err != nil {
		return nil, wrapCause(ErrDevice, err, "creating stream")
	}
	var workspace backends.Buffer
	if size := e.plan.WorkspaceSize(); size > 0 {
		workspace, err = e.backend.Malloc(e.deviceNum, size)
		if err != nil {
			_ = stream.Destroy()
			if errors.Is(err, backends.ErrOutOfMemory) {
				return nil, wrapCause(ErrResourceExhausted, err, "allocating context workspace")
			}
			return nil, wrapCause(ErrDevice, err, "allocating context workspace")
		}
	}
	c := &Context{
		engine:    e,
		stream:    &Stream{stream: stream},
		workspace: workspace,
		inputDims: make([][]int, len(e.graph.Inputs())),
	}
	for ii := range c.inputDims {
		if b := e.bindings[ii]; !b.Shape.IsDynamic() {
			c.inputDims[ii] = slices.Clone(b.Shape.Dimensions)
		}
	}
	if c.AllInputShapesSpecified() {
		if err := c.updateOutputDims(); err != nil {
			_ = stream.Destroy()
			if workspace != nil {
				_ = e.backend.Free(workspace)
			}
			return nil, err
		}
	}
	e.numContexts++
	return c, nil
}

// Engine returns the engine that created the context.
func (c *Context) Engine() *Engine { return c.engine }

// Stream returns the stream of the context, to be used with CopyToDevice and CopyFromDevice.
func (c *Context) Stream() *Stream { return c.stream }

// SetInputShape sets the concrete dimensions of the named input for the following executions.
//
// The dimensions must be within the optimization profile range of the input. On failure it returns an
// error wrapping ErrInvalidArgument, and the previously set dimensions are kept.
func (c *Context) SetInputShape(name string, dims ...int) error {
	if c.isFinalized() {
		return errors.Wrapf(ErrInvalidArgument, "context already finalized")
	}
	idx := c.engine.BindingIndex(name)
	if idx < 0 || !c.engine.bindings[idx].IsInput {
		return errors.Wrapf(ErrInvalidArgument, "%q is not an input of engine %q", name, c.engine.name)
	}
	binding := c.engine.bindings[idx]
	if err := binding.Shape.Matches(dims); err != nil {
		return wrapCause(ErrInvalidArgument, err, "input %q", name)
	}
	if err := binding.Range.Contains(dims); err != nil {
		return wrapCause(ErrInvalidArgument, err, "input %q", name)
	}
	previous := c.inputDims[idx]
	c.inputDims[idx] = slices.Clone(dims)
	if c.AllInputShapesSpecified() {
		if err := c.updateOutputDims(); err != nil {
			c.inputDims[idx] = previous
			return err
		}
	}
	logging.Logf(c.engine.logger, logging.Verbose, "context of %q: input %q set to %v", c.engine.name, name, dims)
	return nil
}

// updateOutputDims recomputes the output dimensions from the input dimensions.
func (c *Context) updateOutputDims() error {
	inputDims := make(map[string][]int, len(c.inputDims))
	for ii, name := range c.engine.graph.Inputs() {
		inputDims[name] = c.inputDims[ii]
	}
	dims, err := c.engine.graph.InferShapes(inputDims)
	if err != nil {
		return wrapCause(ErrInvalidArgument, err, "")
	}
	c.outputDims = make(map[string][]int, len(c.engine.graph.Outputs()))
	for _, name := range c.engine.graph.Outputs() {
		c.outputDims[name] = dims[name]
	}
	return nil
}

// AllInputShapesSpecified returns whether the dimensions of every input are set.
func (c *Context) AllInputShapesSpecified() bool {
	for _, dims := range c.inputDims {
		if dims == nil {
			return false
		}
	}
	return true
}

// BindingShape returns the concrete shape of the named binding with the current input dimensions.
//
// For outputs it returns an error wrapping ErrInvalidArgument until all input shapes are specified.
func (c *Context) BindingShape(name string) (shapes.Shape, error) {
	idx := c.engine.BindingIndex(name)
	if idx < 0 {
		return shapes.Invalid(), errors.Wrapf(ErrInvalidArgument, "engine %q has no binding %q", c.engine.name, name)
	}
	binding := c.engine.bindings[idx]
	var dims []int
	if binding.IsInput {
		dims = c.inputDims[idx]
	} else if c.outputDims != nil {
		dims = c.outputDims[name]
	}
	if dims == nil {
		return shapes.Invalid(), errors.Wrapf(ErrInvalidArgument, "shape of %q not known, input shapes must be set first", name)
	}
	return shapes.Make(binding.Shape.DType, dims...), nil
}

// Enqueue a forward pass on the context's stream, with the current input dimensions.
//
// bindings must hold exactly one live buffer per binding of the engine, large enough for the current
// dimensions. Invalid arguments are reported immediately, with errors wrapping ErrInvalidArgument.
// Device failures during the execution are reported by Stream.Synchronize.
func (c *Context) Enqueue(bindings Bindings) error {
	if c.isFinalized() {
		return errors.Wrapf(ErrInvalidArgument, "context already finalized")
	}
	if c.engine.isFinalized() {
		return errors.Wrapf(ErrInvalidArgument, "engine %q already finalized", c.engine.name)
	}
	if !c.AllInputShapesSpecified() {
		var missing []string
		for ii, name := range c.engine.graph.Inputs() {
			if c.inputDims[ii] == nil {
				missing = append(missing, name)
			}
		}
		return errors.Wrapf(ErrInvalidArgument, "shapes of inputs %q not set", missing)
	}
	inputs, err := c.bindingBuffers(c.engine.graph.Inputs(), bindings)
	if err != nil {
		return err
	}
	outputs, err := c.bindingBuffers(c.engine.graph.Outputs(), bindings)
	if err != nil {
		return err
	}
	if len(bindings) != len(inputs)+len(outputs) {
		var extra []string
		for name := range bindings {
			if c.engine.BindingIndex(name) < 0 {
				extra = append(extra, name)
			}
		}
		slices.Sort(extra)
		return errors.Wrapf(ErrInvalidArgument, "unknown bindings %q for engine %q", extra, c.engine.name)
	}
	err = c.engine.plan.Enqueue(c.stream.stream, c.workspace, c.inputDims, inputs, outputs)
	if err != nil {
		return wrapCause(ErrInvalidArgument, err, "enqueuing %q", c.engine.name)
	}
	return nil
}

// bindingBuffers returns the backend buffers for the given binding names, checking they are live
// and large enough.
func (c *Context) bindingBuffers(names []string, bindings Bindings) ([]backends.Buffer, error) {
	buffers := make([]backends.Buffer, len(names))
	for ii, name := range names {
		buf, found := bindings[name]
		if !found || buf == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "missing buffer for binding %q", name)
		}
		if buf.IsReleased() {
			return nil, errors.Wrapf(ErrInvalidArgument, "buffer for binding %q was already released", name)
		}
		shape, err := c.BindingShape(name)
		if err != nil {
			return nil, err
		}
		if shape.DType != buf.dtype {
			return nil, errors.Wrapf(ErrInvalidArgument, "buffer for binding %q has dtype %s, expected %s", name, buf.dtype, shape.DType)
		}
		if required := shape.Memory(); buf.size < required {
			return nil, errors.Wrapf(ErrInvalidArgument, "buffer for binding %q %s has %d bytes, %d bytes required",
				name, shape, buf.size, required)
		}
		buffers[ii] = buf.buffer
	}
	return buffers, nil
}

// Execute runs a forward pass synchronously: it enqueues it and waits for the stream.
//
// Device failures wrap ErrDevice, and the context can still be used for further executions.
func (c *Context) Execute(bindings Bindings) error {
	if err := c.Enqueue(bindings); err != nil {
		return err
	}
	return c.stream.Synchronize()
}

// Finalize waits for pending work, then releases the stream and the workspace of the context.
// Calling Finalize more than once is a no-op.
func (c *Context) Finalize() error {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return nil
	}
	c.finalized = true
	c.mu.Unlock()

	var firstErr error
	if err := c.stream.stream.Destroy(); err != nil {
		firstErr = wrapCause(ErrDevice, err, "destroying stream")
	}
	if c.workspace != nil {
		if err := c.engine.backend.Free(c.workspace); err != nil && firstErr == nil {
			firstErr = wrapCause(ErrDevice, err, "freeing workspace")
		}
		c.workspace = nil
	}
	c.engine.mu.Lock()
	c.engine.numContexts--
	c.engine.mu.Unlock()
	return firstErr
}

func (c *Context) isFinalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	return fmt.Sprintf("Context(%q, inputs=%v)", c.engine.name, c.inputDims)
}
