// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"time"

	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/dynbatch/pkg/support/logging"
	"github.com/pkg/errors"
)

// ErrWorkspaceLimit is wrapped by compilation errors caused by a plan needing more workspace memory than allowed.
var ErrWorkspaceLimit = errors.New("workspace limit exceeded")

// ProgressFunc is called during compilation after each step (e.g.: one node profiled) is done.
type ProgressFunc func(done, total int, description string)

// CompileRequest holds everything a backend needs to compile a Plan.
type CompileRequest struct {
	// Graph to compile. It must have been validated, and it is treated as read-only.
	Graph *network.Graph

	// Ranges of the concrete dimensions supported by the plan, one per graph input, in the
	// order of Graph.Inputs(). Static inputs have min == opt == max.
	Ranges []shapes.ShapeRange

	// WorkspaceLimit is the maximum amount of device memory the plan may require for its
	// workspace (activations and kernel scratch space) at the maximum shapes.
	WorkspaceLimit uintptr

	// ProfilingIterations is the number of timed runs of each candidate tactic at the optimal shapes.
	// If 0, tactics are chosen by a fixed heuristic, and compilation is deterministic.
	ProfilingIterations int

	// Progress is optional.
	Progress ProgressFunc

	// Logger is optional.
	Logger logging.Logger
}

// Tactic describes the kernel implementation selected for one node.
type Tactic struct {
	Node string
	Op   network.OpType
	Name string

	// Time measured at the optimal shapes, 0 if not profiled.
	Time time.Duration
}

// Plan is the compiled executable form of a graph for a device, valid for any concrete input
// dimensions within the ranges it was compiled for.
//
// A Plan holds no device memory for activations: each caller allocates its own workspace, so a
// Plan can be used concurrently by different execution contexts, each with its own stream.
type Plan interface {
	// WorkspaceSize is the size in bytes of the workspace buffer needed by Enqueue, at the maximum shapes.
	WorkspaceSize() uintptr

	// Tactics returns the kernel implementations selected for each node, in execution order.
	Tactics() []Tactic

	// Enqueue a forward pass on stream with the given concrete dimensions for each input (in the
	// order of the graph inputs).
	//
	// The inputs and outputs device buffers are in the order of the graph inputs and outputs, and
	// must be at least as large as required by the concrete dimensions.
	// workspace must be at least WorkspaceSize() bytes.
	//
	// Errors detected while enqueuing (e.g.: invalid dimensions) are returned immediately; failures
	// during the asynchronous execution are reported by Stream.Synchronize.
	Enqueue(stream Stream, workspace Buffer, inputDims [][]int, inputs, outputs []Buffer) error

	// Finalize immediately frees resources associated to the plan.
	Finalize()
}
