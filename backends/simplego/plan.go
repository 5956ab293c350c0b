// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync/atomic"

	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/internal/workerspool"
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/pkg/errors"
)

// locationKind tells where a tensor lives during execution.
type locationKind int

const (
	locWorkspace locationKind = iota
	locInput
	locOutput
	locConstant
)

// location of a tensor during execution: index of the input/output binding, or the offset (in float32
// elements) in the workspace.
type location struct {
	kind   locationKind
	index  int
	offset int
}

// step is the execution of one node with its selected tactic.
type step struct {
	node     *network.Node
	tactic   *tactic
	prepared []float32

	// scratchOffset in float32 elements within the workspace.
	scratchOffset int
}

// Plan implements backends.Plan for the SimpleGo backend.
type Plan struct {
	backend   *Backend
	graph     *network.Graph
	ranges    []shapes.ShapeRange
	steps     []*step
	constants map[string][]float32
	locations map[string]location

	workspaceSize uintptr
	tactics       []backends.Tactic
	finalized     atomic.Bool
}

// Compile-time check:
var _ backends.Plan = (*Plan)(nil)

// WorkspaceSize implements backends.Plan.
func (p *Plan) WorkspaceSize() uintptr { return p.workspaceSize }

// Graph returns the graph the plan was compiled from.
func (p *Plan) Graph() *network.Graph { return p.graph }

// Tactics implements backends.Plan.
func (p *Plan) Tactics() []backends.Tactic { return p.tactics }

// Finalize implements backends.Plan.
func (p *Plan) Finalize() {
	if p.finalized.Swap(true) {
		return
	}
	p.constants = nil
	p.steps = nil
}

// Dimensions checks the concrete input dimensions are within the compiled ranges, and returns the
// dimensions of every tensor.
func (p *Plan) Dimensions(inputDims [][]int) (map[string][]int, error) {
	inputs := p.graph.Inputs()
	if len(inputDims) != len(inputs) {
		return nil, errors.Errorf("plan takes %d inputs, got dimensions for %d", len(inputs), len(inputDims))
	}
	given := make(map[string][]int, len(inputs))
	for ii, name := range inputs {
		if err := p.ranges[ii].Contains(inputDims[ii]); err != nil {
			return nil, errors.WithMessagef(err, "input %q", name)
		}
		given[name] = inputDims[ii]
	}
	return p.graph.InferShapes(given)
}

// Enqueue implements backends.Plan.
func (p *Plan) Enqueue(backendStream backends.Stream, workspace backends.Buffer, inputDims [][]int,
	inputs, outputs []backends.Buffer) error {
	if p.finalized.Load() {
		return errors.New("plan already finalized")
	}
	stream, ok := backendStream.(*Stream)
	if !ok {
		return errors.Errorf("stream (%T) is not a %q backend stream", backendStream, BackendName)
	}
	dims, err := p.Dimensions(inputDims)
	if err != nil {
		return err
	}
	var wsBuf *Buffer
	if workspace == nil && p.workspaceSize == 0 {
		wsBuf = newHostBuffer(0)
	} else if wsBuf, err = toBuffer(workspace); err != nil {
		return errors.WithMessage(err, "workspace")
	}
	if wsBuf.size < p.workspaceSize {
		return errors.Errorf("workspace has %d bytes, plan requires %d", wsBuf.size, p.workspaceSize)
	}
	inBufs, err := p.bindingBuffers("input", p.graph.Inputs(), inputs, dims)
	if err != nil {
		return err
	}
	outBufs, err := p.bindingBuffers("output", p.graph.Outputs(), outputs, dims)
	if err != nil {
		return err
	}
	return stream.Enqueue(func() error {
		for _, buf := range append(append([]*Buffer{wsBuf}, inBufs...), outBufs...) {
			if !buf.valid.Load() {
				return errors.Errorf("buffer(%p) freed before the execution", buf)
			}
		}
		inFlats := make([][]float32, len(inBufs))
		for ii, buf := range inBufs {
			inFlats[ii] = buf.flat
		}
		outFlats := make([][]float32, len(outBufs))
		for ii, buf := range outBufs {
			outFlats[ii] = buf.flat
		}
		return p.ExecuteHost(dims, wsBuf.flat, inFlats, outFlats)
	})
}

func (p *Plan) bindingBuffers(kind string, names []string, buffers []backends.Buffer, dims map[string][]int) ([]*Buffer, error) {
	if len(buffers) != len(names) {
		return nil, errors.Errorf("plan takes %d %s buffers, got %d", len(names), kind, len(buffers))
	}
	bufs := make([]*Buffer, len(buffers))
	for ii, buffer := range buffers {
		buf, err := toBuffer(buffer)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s %q", kind, names[ii])
		}
		required := uintptr(4 * numElements(dims[names[ii]]))
		if buf.size < required {
			return nil, errors.Errorf("%s %q requires %d bytes for dimensions %v, buffer has %d bytes",
				kind, names[ii], required, dims[names[ii]], buf.size)
		}
		bufs[ii] = buf
	}
	return bufs, nil
}

func numElements(dims []int) int {
	n := 1
	for _, dim := range dims {
		n *= dim
	}
	return n
}

// ExecuteHost runs the plan synchronously on host memory, with the tensor dimensions returned by Dimensions.
//
// It is also used by device backends that stage their buffers through host memory.
func (p *Plan) ExecuteHost(dims map[string][]int, workspace []float32, inputs, outputs [][]float32) error {
	if p.finalized.Load() {
		return errors.New("plan already finalized")
	}
	return p.execute(dims, workspace, inputs, outputs, p.backend.workers)
}

func (p *Plan) execute(dims map[string][]int, workspace []float32, inputs, outputs [][]float32, pool *workerspool.Pool) error {
	tensor := func(name string) []float32 {
		if name == "" {
			return nil
		}
		size := numElements(dims[name])
		loc := p.locations[name]
		switch loc.kind {
		case locInput:
			return inputs[loc.index][:size]
		case locOutput:
			return outputs[loc.index][:size]
		case locConstant:
			return p.constants[name]
		default:
			return workspace[loc.offset : loc.offset+size]
		}
	}
	for _, s := range p.steps {
		args := &kernelArgs{
			node:       s.node,
			inputs:     make([][]float32, len(s.node.Inputs)),
			inputDims:  make([][]int, len(s.node.Inputs)),
			output:     tensor(s.node.Outputs[0]),
			outputDims: dims[s.node.Outputs[0]],
			prepared:   s.prepared,
			pool:       pool,
		}
		for ii, name := range s.node.Inputs {
			args.inputs[ii] = tensor(name)
			args.inputDims[ii] = dims[name]
		}
		if scratch := s.tactic.scratchSize(args.inputDims, args.outputDims); scratch > 0 {
			args.scratch = workspace[s.scratchOffset : s.scratchOffset+scratch]
		}
		s.tactic.run(args)
	}
	return nil
}
