// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/dynbatch/pkg/support/logging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ProfileSelector selects which of the dimensions of an OptimizationProfile are being set.
type ProfileSelector int

const (
	// ProfileMin selects the smallest dimensions supported by the engine.
	ProfileMin ProfileSelector = iota

	// ProfileOpt selects the dimensions the engine is tuned for.
	ProfileOpt

	// ProfileMax selects the largest dimensions supported by the engine. Buffers are sized for them.
	ProfileMax
)

// String implements fmt.Stringer.
func (s ProfileSelector) String() string {
	switch s {
	case ProfileMin:
		return "min"
	case ProfileOpt:
		return "opt"
	case ProfileMax:
		return "max"
	default:
		return fmt.Sprintf("ProfileSelector(%d)", int(s))
	}
}

// OptimizationProfile holds the (min, opt, max) dimensions of the dynamic inputs of a network.
// Create it with Builder.CreateOptimizationProfile.
type OptimizationProfile struct {
	dims map[string]*[3][]int
}

// SetDimensions sets the dimensions of input for the given selector.
//
// The dimensions are only validated when the engine is built. It returns an error only if the selector is invalid.
func (p *OptimizationProfile) SetDimensions(input string, selector ProfileSelector, dims ...int) error {
	if selector < ProfileMin || selector > ProfileMax {
		return errors.Wrapf(ErrConfiguration, "invalid profile selector %s for input %q", selector, input)
	}
	entry, found := p.dims[input]
	if !found {
		entry = new([3][]int)
		p.dims[input] = entry
	}
	entry[selector] = slices.Clone(dims)
	return nil
}

// Dimensions returns the dimensions set for input and selector, or nil if not set.
func (p *OptimizationProfile) Dimensions(input string, selector ProfileSelector) []int {
	if entry, found := p.dims[input]; found && selector >= ProfileMin && selector <= ProfileMax {
		return entry[selector]
	}
	return nil
}

// Inputs returns the sorted names of the inputs with dimensions set in the profile.
func (p *OptimizationProfile) Inputs() []string {
	return slices.Sorted(maps.Keys(p.dims))
}

// shapeRange returns the range of the input, or an error if some of the dimensions were not set.
func (p *OptimizationProfile) shapeRange(input string) (shapes.ShapeRange, error) {
	entry := p.dims[input]
	for selector := ProfileMin; selector <= ProfileMax; selector++ {
		if entry[selector] == nil {
			return shapes.ShapeRange{}, errors.Errorf("%s dimensions of input %q not set", selector, input)
		}
	}
	return shapes.NewShapeRange(entry[ProfileMin], entry[ProfileOpt], entry[ProfileMax]), nil
}

// DefaultWorkspaceBytes is the default workspace budget of a BuilderConfig.
const DefaultWorkspaceBytes = 1 << 30

// DefaultProfilingIterations is the default number of timed runs of each candidate tactic.
const DefaultProfilingIterations = 3

// BuilderConfig holds the configuration of an engine build. Create it with Builder.NewConfig.
type BuilderConfig struct {
	workspaceBytes      uintptr
	maxBatchSize        int
	profiles            []*OptimizationProfile
	profilingIterations int
	progress            backends.ProgressFunc
	deviceNum           backends.DeviceNum
}

// SetWorkspaceBytes sets the maximum device memory the engine may use as workspace (activations and
// kernel scratch space) for each execution context. Default is DefaultWorkspaceBytes.
func (c *BuilderConfig) SetWorkspaceBytes(bytes uintptr) *BuilderConfig {
	c.workspaceBytes = bytes
	return c
}

// SetMaxBatchSize sets the maximum batch size. It is optional: the optimization profile is
// authoritative, and if set it must match the maximum dimension of the batch axis in the profile.
func (c *BuilderConfig) SetMaxBatchSize(maxBatchSize int) *BuilderConfig {
	c.maxBatchSize = maxBatchSize
	return c
}

// AddOptimizationProfile registers the profile. Exactly one profile must be registered for networks
// with dynamic inputs.
func (c *BuilderConfig) AddOptimizationProfile(profile *OptimizationProfile) *BuilderConfig {
	c.profiles = append(c.profiles, profile)
	return c
}

// SetProfilingIterations sets the number of timed runs of each candidate tactic at the optimal dimensions.
// If 0, tactics are selected by heuristics and the build is deterministic. Default is DefaultProfilingIterations.
func (c *BuilderConfig) SetProfilingIterations(iterations int) *BuilderConfig {
	c.profilingIterations = iterations
	return c
}

// SetProgress sets a function called as the build progresses, e.g.: to update a progress bar.
func (c *BuilderConfig) SetProgress(progress backends.ProgressFunc) *BuilderConfig {
	c.progress = progress
	return c
}

// SetDeviceNum sets the device the engine is built for. Default is 0.
func (c *BuilderConfig) SetDeviceNum(deviceNum backends.DeviceNum) *BuilderConfig {
	c.deviceNum = deviceNum
	return c
}

// Builder compiles network graphs into an Engine for a backend.
type Builder struct {
	backend backends.Backend
	logger  logging.Logger
}

// NewBuilder returns a Builder for the given backend. If logger is nil, logging.Klog() is used.
func NewBuilder(backend backends.Backend, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Klog()
	}
	return &Builder{backend: backend, logger: logger}
}

// CreateOptimizationProfile returns a new empty OptimizationProfile.
func (b *Builder) CreateOptimizationProfile() *OptimizationProfile {
	return &OptimizationProfile{dims: make(map[string]*[3][]int)}
}

// NewConfig returns a new BuilderConfig with default values.
func (b *Builder) NewConfig() *BuilderConfig {
	return &BuilderConfig{
		workspaceBytes:      DefaultWorkspaceBytes,
		profilingIterations: DefaultProfilingIterations,
	}
}

// Build validates and compiles the graph into an Engine.
//
// The graph is validated (if not yet) and treated as read-only: it must not be changed while the Engine
// is in use. Errors wrap ErrCompilation (invalid graph, unsupported operators, workspace budget too
// small), ErrConfiguration (invalid profiles or batch size) or ErrResourceExhausted (workspace budget
// larger than the device's free memory). Configuration is fully validated before any interaction with the device.
//
// Build blocks while candidate kernels are profiled, and it is not cancelable.
func (b *Builder) Build(graph *network.Graph, config *BuilderConfig) (*Engine, error) {
	start := time.Now()
	if graph == nil {
		return nil, errors.Wrapf(ErrCompilation, "nil graph")
	}
	if err := graph.Validate(); err != nil {
		return nil, wrapCause(ErrCompilation, err, "")
	}
	ranges, err := b.resolveRanges(graph, config)
	if err != nil {
		return nil, err
	}
	if config.workspaceBytes == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "workspace budget must be positive")
	}
	if config.profilingIterations < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "invalid number of profiling iterations %d", config.profilingIterations)
	}

	// Device checks.
	if config.deviceNum < 0 || config.deviceNum >= b.backend.NumDevices() {
		return nil, errors.Wrapf(ErrConfiguration, "invalid device %d, backend %q has %d devices",
			config.deviceNum, b.backend.Name(), b.backend.NumDevices())
	}
	free, _, err := b.backend.MemoryInfo(config.deviceNum)
	if err != nil {
		return nil, wrapCause(ErrDevice, err, "querying memory of device %d", config.deviceNum)
	}
	if config.workspaceBytes > free {
		return nil, errors.Wrapf(ErrResourceExhausted, "workspace budget of %s is larger than the %s of free memory in device %d",
			humanize.IBytes(uint64(config.workspaceBytes)), humanize.IBytes(uint64(free)), config.deviceNum)
	}

	bindings, err := inferBindings(graph, ranges)
	if err != nil {
		return nil, wrapCause(ErrCompilation, err, "")
	}
	logging.Logf(b.logger, logging.Info, "building engine for %q on backend %q: %s", graph.Name, b.backend.Name(),
		rangesString(graph, ranges))
	plan, err := b.backend.Compile(config.deviceNum, &backends.CompileRequest{
		Graph:               graph,
		Ranges:              ranges,
		WorkspaceLimit:      config.workspaceBytes,
		ProfilingIterations: config.profilingIterations,
		Progress:            config.progress,
		Logger:              b.logger,
	})
	if err != nil {
		if errors.Is(err, backends.ErrOutOfMemory) {
			return nil, wrapCause(ErrResourceExhausted, err, "compiling %q", graph.Name)
		}
		return nil, wrapCause(ErrCompilation, err, "compiling %q", graph.Name)
	}
	if plan.WorkspaceSize() > config.workspaceBytes {
		workspace := plan.WorkspaceSize()
		plan.Finalize()
		return nil, errors.Wrapf(ErrCompilation, "compiled plan requires %s of workspace, budget is %s",
			humanize.IBytes(uint64(workspace)), humanize.IBytes(uint64(config.workspaceBytes)))
	}

	e := &Engine{
		id:        uuid.New(),
		name:      graph.Name,
		backend:   b.backend,
		deviceNum: config.deviceNum,
		graph:     graph,
		plan:      plan,
		bindings:  bindings,
		logger:    b.logger,
		buildTime: time.Since(start),
	}
	e.bindingIndex = make(map[string]int, len(bindings))
	for ii, binding := range bindings {
		e.bindingIndex[binding.Name] = ii
	}
	logging.Logf(b.logger, logging.Info, "engine %s for %q built in %s: workspace of %s per context",
		e.id, graph.Name, e.buildTime.Round(time.Millisecond), humanize.IBytes(uint64(plan.WorkspaceSize())))
	return e, nil
}

// resolveRanges returns the shape range of each graph input, in order, checking the configuration.
func (b *Builder) resolveRanges(graph *network.Graph, config *BuilderConfig) ([]shapes.ShapeRange, error) {
	if config == nil {
		return nil, errors.Wrapf(ErrConfiguration, "nil builder configuration")
	}
	dynamic := graph.HasDynamicInputs()
	switch {
	case len(config.profiles) > 1:
		return nil, errors.Wrapf(ErrConfiguration, "%d optimization profiles registered, only one is supported",
			len(config.profiles))
	case len(config.profiles) == 0 && dynamic:
		return nil, errors.Wrapf(ErrConfiguration, "graph %q has dynamic inputs, an optimization profile is required", graph.Name)
	}
	var profile *OptimizationProfile
	if len(config.profiles) == 1 {
		profile = config.profiles[0]
		for _, name := range profile.Inputs() {
			if t := graph.Tensor(name); t == nil || t.Kind != network.Input {
				return nil, errors.Wrapf(ErrConfiguration, "optimization profile sets dimensions of %q, which is not an input of %q",
					name, graph.Name)
			}
		}
	}

	ranges := make([]shapes.ShapeRange, len(graph.Inputs()))
	batchSize := 0
	for ii, name := range graph.Inputs() {
		shape := graph.Tensor(name).Shape
		var r shapes.ShapeRange
		if profile != nil && profile.dims[name] != nil {
			var err error
			r, err = profile.shapeRange(name)
			if err != nil {
				return nil, wrapCause(ErrConfiguration, err, "")
			}
		} else if shape.IsDynamic() {
			return nil, errors.Wrapf(ErrConfiguration, "optimization profile has no dimensions for dynamic input %q %s", name, shape)
		} else {
			r = shapes.NewShapeRange(shape.Dimensions, shape.Dimensions, shape.Dimensions)
		}
		if err := r.ValidateFor(shape); err != nil {
			return nil, wrapCause(ErrConfiguration, err, "input %q", name)
		}
		if shape.Rank() > 0 && shape.Dimensions[0] == shapes.DimDynamic {
			if batchSize != 0 && batchSize != r.Max[0] {
				return nil, errors.Wrapf(ErrConfiguration, "inputs have different maximum batch sizes %d and %d (input %q)",
					batchSize, r.Max[0], name)
			}
			batchSize = r.Max[0]
		}
		ranges[ii] = r
	}
	if config.maxBatchSize < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "invalid maximum batch size %d", config.maxBatchSize)
	}
	if config.maxBatchSize != 0 && batchSize != 0 && config.maxBatchSize != batchSize {
		return nil, errors.Wrapf(ErrConfiguration, "maximum batch size %d differs from the maximum batch %d of the optimization profile",
			config.maxBatchSize, batchSize)
	}
	return ranges, nil
}

// inferBindings returns the bindings of the engine: the inputs, followed by the outputs. The dimensions
// of outputs are inferred at the minimum, optimal and maximum dimensions of the inputs: axes that
// vary are dynamic.
func inferBindings(graph *network.Graph, ranges []shapes.ShapeRange) ([]Binding, error) {
	var bindings []Binding
	perSelector := make([]map[string][]int, 3)
	for selector := range perSelector {
		inputDims := make(map[string][]int)
		for ii, name := range graph.Inputs() {
			r := ranges[ii]
			inputDims[name] = [][]int{r.Min, r.Opt, r.Max}[selector]
		}
		dims, err := graph.InferShapes(inputDims)
		if err != nil {
			return nil, err
		}
		perSelector[selector] = dims
	}
	for ii, name := range graph.Inputs() {
		bindings = append(bindings, Binding{Name: name, IsInput: true, Shape: graph.Tensor(name).Shape.Clone(), Range: ranges[ii].Clone()})
	}
	dtype := graph.Tensor(graph.Inputs()[0]).Shape.DType
	for _, name := range graph.Outputs() {
		r := shapes.NewShapeRange(perSelector[ProfileMin][name], perSelector[ProfileOpt][name], perSelector[ProfileMax][name])
		pattern := slices.Clone(r.Max)
		for _, axis := range r.VaryingAxes() {
			pattern[axis] = shapes.DimDynamic
		}
		bindings = append(bindings, Binding{Name: name, Shape: shapes.Make(dtype, pattern...), Range: r})
	}
	return bindings, nil
}

func rangesString(graph *network.Graph, ranges []shapes.ShapeRange) string {
	var parts []string
	for ii, name := range graph.Inputs() {
		parts = append(parts, fmt.Sprintf("%s%s", name, ranges[ii]))
	}
	return fmt.Sprint(parts)
}
