// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"encoding/binary"
	"math"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/dynbatch/pkg/support/logging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Compile implements backends.Backend.
//
// It selects a tactic for each node (profiling candidates at the optimal shapes if requested),
// plans the workspace at the maximum shapes and converts the weights to float32.
// Kernel panics during profiling are returned as errors.
func (b *Backend) Compile(deviceNum backends.DeviceNum, request *backends.CompileRequest) (plan backends.Plan, err error) {
	if err = b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	b.mu.Lock()
	finalized := b.finalized
	b.mu.Unlock()
	if finalized {
		return nil, errors.Errorf("backend %q: Compile called after Finalize", BackendName)
	}
	var p *Plan
	panicErr := exceptions.TryCatch[error](func() { p, err = b.compile(request) })
	if panicErr != nil {
		return nil, errors.WithMessage(panicErr, "panic during compilation")
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (b *Backend) compile(request *backends.CompileRequest) (*Plan, error) {
	g := request.Graph
	if g == nil || (g.Order() == nil && len(g.Nodes()) > 0) {
		return nil, errors.New("Compile requires a validated graph")
	}
	if err := Capabilities.Check(g); err != nil {
		return nil, err
	}
	inputs := g.Inputs()
	if len(request.Ranges) != len(inputs) {
		return nil, errors.Errorf("graph has %d inputs, but %d shape ranges were given", len(inputs), len(request.Ranges))
	}
	minDims := make(map[string][]int, len(inputs))
	optDims := make(map[string][]int, len(inputs))
	maxDims := make(map[string][]int, len(inputs))
	for ii, name := range inputs {
		r := request.Ranges[ii]
		if err := r.ValidateFor(g.Tensor(name).Shape); err != nil {
			return nil, errors.WithMessagef(err, "input %q", name)
		}
		minDims[name], optDims[name], maxDims[name] = r.Min, r.Opt, r.Max
	}
	// Inferring at the minimum shapes catches e.g. kernels larger than the smallest input.
	if _, err := g.InferShapes(minDims); err != nil {
		return nil, err
	}
	optShapes, err := g.InferShapes(optDims)
	if err != nil {
		return nil, err
	}
	maxShapes, err := g.InferShapes(maxDims)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		backend:   b,
		graph:     g,
		ranges:    make([]shapes.ShapeRange, len(inputs)),
		constants: make(map[string][]float32),
		locations: make(map[string]location),
	}
	for ii, r := range request.Ranges {
		p.ranges[ii] = r.Clone()
	}
	for ii, name := range inputs {
		p.locations[name] = location{kind: locInput, index: ii}
	}
	for ii, name := range g.Outputs() {
		if g.Tensor(name).Kind != network.Intermediate {
			return nil, errors.Wrapf(backends.ErrNotSupported, "output %q must be produced by a node", name)
		}
		p.locations[name] = location{kind: locOutput, index: ii}
	}
	for _, t := range g.Tensors() {
		if t.Kind == network.Initializer {
			p.constants[t.Name] = toFloat32(t)
		}
	}
	for _, node := range g.Order() {
		if node.Op == network.OpGemm && g.Tensor(node.Inputs[1]).Kind != network.Initializer {
			return nil, errors.Wrapf(backends.ErrNotSupported, "node %q (%s): weights %q must be an initializer",
				node.Name, node.Op, node.Inputs[1])
		}
		p.steps = append(p.steps, &step{node: node})
	}

	// Select tactics.
	var timings []time.Duration
	if request.ProfilingIterations > 0 {
		timings, err = p.profile(optShapes, request.ProfilingIterations, request.Progress)
		if err != nil {
			return nil, err
		}
	} else {
		for ii, s := range p.steps {
			s.tactic = heuristicTactic(s.node, candidateTactics(s.node), nodeInputDims(s.node, optShapes))
			if request.Progress != nil {
				request.Progress(ii+1, len(p.steps), s.node.Name)
			}
		}
	}

	// Plan the workspace, falling back to tactics without scratch space if over the limit.
	p.workspaceSize = p.planWorkspace(maxShapes)
	if request.WorkspaceLimit > 0 && p.workspaceSize > request.WorkspaceLimit {
		logging.Logf(request.Logger, logging.Verbose, "workspace of %s over the limit of %s: falling back to tactics without scratch space",
			humanize.IBytes(uint64(p.workspaceSize)), humanize.IBytes(uint64(request.WorkspaceLimit)))
		for _, s := range p.steps {
			s.tactic = candidateTactics(s.node)[0]
		}
		p.workspaceSize = p.planWorkspace(maxShapes)
		if p.workspaceSize > request.WorkspaceLimit {
			return nil, errors.Wrapf(backends.ErrWorkspaceLimit, "plan requires a workspace of %s, limit is %s",
				humanize.IBytes(uint64(p.workspaceSize)), humanize.IBytes(uint64(request.WorkspaceLimit)))
		}
		timings = nil
	}

	for ii, s := range p.steps {
		if s.tactic.prepare != nil {
			w := s.node.Inputs[1]
			s.prepared = s.tactic.prepare(s.node, p.constants[w], g.Tensor(w).Shape.Dimensions)
		}
		tactic := backends.Tactic{Node: s.node.Name, Op: s.node.Op, Name: s.tactic.name}
		if timings != nil {
			tactic.Time = timings[ii]
		}
		p.tactics = append(p.tactics, tactic)
		logging.Logf(request.Logger, logging.Verbose, "node %q (%s): tactic %q", s.node.Name, s.node.Op, s.tactic.name)
	}
	logging.Logf(request.Logger, logging.Info, "compiled %q for %s: %d steps, workspace of %s",
		g.Name, BackendName, len(p.steps), humanize.IBytes(uint64(p.workspaceSize)))
	return p, nil
}

// nodeInputDims returns the dimensions of the node inputs, nil for omitted optional inputs.
func nodeInputDims(node *network.Node, dims map[string][]int) [][]int {
	result := make([][]int, len(node.Inputs))
	for ii, name := range node.Inputs {
		if name != "" {
			result[ii] = dims[name]
		}
	}
	return result
}

// planWorkspace assigns workspace offsets to the intermediate tensors and scratch spaces, given the
// dimensions at the maximum shapes, and returns the workspace size in bytes.
func (p *Plan) planWorkspace(maxShapes map[string][]int) uintptr {
	lastUses := p.graph.LastUses()
	var regions []*region
	tensorRegions := make(map[string]*region)
	scratchRegions := make(map[*step]*region)
	for ii, s := range p.steps {
		output := s.node.Outputs[0]
		if loc, found := p.locations[output]; !found || loc.kind == locWorkspace {
			r := &region{name: output, size: uintptr(4 * numElements(maxShapes[output])), first: ii, last: lastUses[output]}
			regions = append(regions, r)
			tensorRegions[output] = r
		}
		if scratch := s.tactic.scratchSize(nodeInputDims(s.node, maxShapes), maxShapes[output]); scratch > 0 {
			r := &region{name: s.node.Name + "#scratch", size: uintptr(4 * scratch), first: ii, last: ii}
			regions = append(regions, r)
			scratchRegions[s] = r
		}
	}
	total := planWorkspace(regions)
	for name, r := range tensorRegions {
		p.locations[name] = location{kind: locWorkspace, offset: int(r.offset / 4)}
	}
	for _, s := range p.steps {
		s.scratchOffset = 0
		if r, found := scratchRegions[s]; found {
			s.scratchOffset = int(r.offset / 4)
		}
	}
	return total
}

// toFloat32 converts the raw little-endian data of an initializer to float32.
func toFloat32(t *network.Tensor) []float32 {
	n := t.Shape.Size()
	values := make([]float32, n)
	switch t.Shape.DType {
	case dtypes.Float32:
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*ii:]))
		}
	case dtypes.Float16:
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*ii:])).Float32()
		}
	default:
		exceptions.Panicf("initializer %q has unsupported dtype %s", t.Name, t.Shape.DType)
	}
	return values
}

// profile selects the fastest candidate tactic of each node, running the graph at the optimal shapes
// on random inputs. It returns the time of the selected tactic of each step.
func (p *Plan) profile(optShapes map[string][]int, iterations int, progress backends.ProgressFunc) ([]time.Duration, error) {
	rng := rand.New(rand.NewSource(0))
	values := make(map[string][]float32)
	for _, name := range p.graph.Inputs() {
		x := make([]float32, numElements(optShapes[name]))
		for ii := range x {
			x[ii] = rng.Float32()
		}
		values[name] = x
	}
	for name, x := range p.constants {
		values[name] = x
	}
	timings := make([]time.Duration, len(p.steps))
	for ii, s := range p.steps {
		args := &kernelArgs{
			node:       s.node,
			inputs:     make([][]float32, len(s.node.Inputs)),
			inputDims:  nodeInputDims(s.node, optShapes),
			outputDims: optShapes[s.node.Outputs[0]],
			pool:       p.backend.workers,
		}
		for jj, name := range s.node.Inputs {
			if name != "" {
				args.inputs[jj] = values[name]
			}
		}
		args.output = make([]float32, numElements(args.outputDims))
		var best time.Duration
		for _, candidate := range candidateTactics(s.node) {
			args.prepared = nil
			if candidate.prepare != nil {
				w := s.node.Inputs[1]
				args.prepared = candidate.prepare(s.node, p.constants[w], p.graph.Tensor(w).Shape.Dimensions)
			}
			args.scratch = make([]float32, candidate.scratchSize(args.inputDims, args.outputDims))
			candidate.run(args) // Warm-up.
			elapsed := time.Duration(math.MaxInt64)
			for range iterations {
				start := time.Now()
				candidate.run(args)
				elapsed = min(elapsed, time.Since(start))
			}
			if s.tactic == nil || elapsed < best {
				s.tactic, best = candidate, elapsed
			}
		}
		timings[ii] = best
		values[s.node.Outputs[0]] = args.output
		if progress != nil {
			progress(ii+1, len(p.steps), s.node.Name)
		}
	}
	return timings, nil
}
