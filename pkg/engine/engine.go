// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine compiles a network graph into an Engine that supports a range of input shapes
// (typically a dynamic batch size), and executes it with per-invocation concrete shapes.
//
// The life cycle is:
//
//  1. Build: a Builder compiles a network.Graph with a BuilderConfig holding exactly one
//     OptimizationProfile, the (min, opt, max) dimensions of each dynamic input.
//  2. Contexts: Engine.NewContext creates an execution Context, with its own stream and workspace.
//     Use one Context per goroutine.
//  3. Buffers: AllocateBindings (or WithBindingBuffers) allocates one DeviceBuffer per binding,
//     sized for the maximum shapes, and reused for any smaller shape.
//  4. Execution: Context.SetInputShape selects the concrete shape of the inputs, CopyToDevice
//     fills the inputs, Context.Execute (or Enqueue) runs the forward pass, and CopyFromDevice
//     reads the outputs.
//  5. Cleanup: release buffers, finalize contexts and then the engine.
//
// Example:
//
//	builder := engine.NewBuilder(backend, nil)
//	profile := builder.CreateOptimizationProfile()
//	_ = profile.SetDimensions("data", engine.ProfileMin, 1, 3, 224, 224)
//	_ = profile.SetDimensions("data", engine.ProfileOpt, 5, 3, 224, 224)
//	_ = profile.SetDimensions("data", engine.ProfileMax, 10, 3, 224, 224)
//	e, err := builder.Build(graph, builder.NewConfig().AddOptimizationProfile(profile))
//	...
//	ctx, err := e.NewContext()
//	err = engine.WithBindingBuffers(e, func(buffers *engine.BindingBuffers) error {
//		if err := ctx.SetInputShape("data", 5, 3, 224, 224); err != nil {
//			return err
//		}
//		...
//		return ctx.Execute(buffers.Bindings())
//	})
package engine

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/dynbatch/pkg/support/logging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Binding is a named input or output of an Engine.
type Binding struct {
	Name    string
	IsInput bool

	// Shape is the dtype and the dimensions of the binding, with shapes.DimDynamic on axes that vary
	// with the input shapes.
	Shape shapes.Shape

	// Range of the dimensions: for inputs it is the optimization profile, for outputs it is inferred.
	Range shapes.ShapeRange
}

// MaxMemory returns the size in bytes of the binding at its maximum dimensions.
func (b Binding) MaxMemory() uintptr {
	return shapes.Make(b.Shape.DType, b.Range.Max...).Memory()
}

// Clone returns a deep copy of the binding.
func (b Binding) Clone() Binding {
	b.Shape = b.Shape.Clone()
	b.Range = b.Range.Clone()
	return b
}

// Engine is a compiled network, valid for any input dimensions within its optimization profile.
//
// An Engine is immutable and safe for concurrent use. It holds no device memory: each Context
// allocates its own workspace. Finalize it after all its contexts are finalized.
type Engine struct {
	id        uuid.UUID
	name      string
	backend   backends.Backend
	deviceNum backends.DeviceNum
	graph     *network.Graph
	plan      backends.Plan
	logger    logging.Logger
	buildTime time.Duration

	bindings     []Binding
	bindingIndex map[string]int

	mu          sync.Mutex
	numContexts int
	finalized   bool
}

// ID returns the unique identifier of the engine.
func (e *Engine) ID() uuid.UUID { return e.id }

// Name of the engine, the name of the graph it was built from.
func (e *Engine) Name() string { return e.name }

// Backend the engine was built for.
func (e *Engine) Backend() backends.Backend { return e.backend }

// DeviceNum the engine was built for.
func (e *Engine) DeviceNum() backends.DeviceNum { return e.deviceNum }

// BuildTime is the time it took to build the engine.
func (e *Engine) BuildTime() time.Duration { return e.buildTime }

// NumBindings returns the number of inputs plus outputs.
func (e *Engine) NumBindings() int { return len(e.bindings) }

// Bindings returns a copy of the inputs followed by the outputs of the engine.
func (e *Engine) Bindings() []Binding {
	bindings := make([]Binding, len(e.bindings))
	for ii, b := range e.bindings {
		bindings[ii] = b.Clone()
	}
	return bindings
}

// Binding returns the binding with the given name.
func (e *Engine) Binding(name string) (Binding, bool) {
	idx, found := e.bindingIndex[name]
	if !found {
		return Binding{}, false
	}
	return e.bindings[idx].Clone(), true
}

// BindingIndex returns the index of the binding in Bindings, or -1 if not found.
func (e *Engine) BindingIndex(name string) int {
	idx, found := e.bindingIndex[name]
	if !found {
		return -1
	}
	return idx
}

// InputNames returns the names of the input bindings, in order.
func (e *Engine) InputNames() []string { return slices.Clone(e.graph.Inputs()) }

// OutputNames returns the names of the output bindings, in order.
func (e *Engine) OutputNames() []string { return slices.Clone(e.graph.Outputs()) }

// WorkspaceSize returns the device memory each Context allocates for activations and kernel scratch space.
func (e *Engine) WorkspaceSize() uintptr { return e.plan.WorkspaceSize() }

// Tactics returns the kernels selected for each node during the build.
func (e *Engine) Tactics() []backends.Tactic { return e.plan.Tactics() }

// String returns a summary of the engine.
func (e *Engine) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Engine %q (%s) on %s, workspace %s:", e.name, e.id, e.backend.Name(),
		humanize.IBytes(uint64(e.WorkspaceSize())))
	for _, b := range e.bindings {
		kind := "output"
		if b.IsInput {
			kind = "input"
		}
		_, _ = fmt.Fprintf(&sb, "\n  %-6s %s %s range %s", kind, b.Name, b.Shape, b.Range)
	}
	return sb.String()
}

// Finalize releases the compiled plan. All contexts must have been finalized.
// Calling Finalize more than once is a no-op.
func (e *Engine) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil
	}
	if e.numContexts > 0 {
		return errors.Wrapf(ErrInvalidArgument, "engine %q still has %d live contexts", e.name, e.numContexts)
	}
	e.finalized = true
	e.plan.Finalize()
	logging.Logf(e.logger, logging.Verbose, "engine %s finalized", e.id)
	return nil
}

// isFinalized returns whether Finalize was called.
func (e *Engine) isFinalized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalized
}
