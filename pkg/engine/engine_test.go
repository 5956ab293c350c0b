// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync/atomic"
	"testing"

	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/backends/simplego"
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/dynbatch/pkg/model/netfile"
	"github.com/gomlx/dynbatch/pkg/support/logging"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// probeBackend wraps a backend counting device interactions, and can inject failures in the
// execution of the plans it compiles.
type probeBackend struct {
	backends.Backend
	memoryInfos, compiles atomic.Int32
	fail                  atomic.Bool
}

func (b *probeBackend) MemoryInfo(deviceNum backends.DeviceNum) (free, total uintptr, err error) {
	b.memoryInfos.Add(1)
	return b.Backend.MemoryInfo(deviceNum)
}

func (b *probeBackend) Compile(deviceNum backends.DeviceNum, request *backends.CompileRequest) (backends.Plan, error) {
	b.compiles.Add(1)
	plan, err := b.Backend.Compile(deviceNum, request)
	if err != nil {
		return nil, err
	}
	return &faultyPlan{Plan: plan, fail: &b.fail}, nil
}

type faultyPlan struct {
	backends.Plan
	fail *atomic.Bool
}

func (p *faultyPlan) Enqueue(stream backends.Stream, workspace backends.Buffer, inputDims [][]int, inputs, outputs []backends.Buffer) error {
	if p.fail.Load() {
		return stream.(*simplego.Stream).Enqueue(func() error { return errors.New("injected device fault") })
	}
	return p.Plan.Enqueue(stream, workspace, inputDims, inputs, outputs)
}

func newProbeBackend(t *testing.T, config string) *probeBackend {
	b, err := simplego.New(config)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return &probeBackend{Backend: b}
}

// buildTestGraph builds: x[?, 4] -> Gemm(4->3, bias) -> Relu -> y.
func buildTestGraph(t *testing.T) *network.Graph {
	g := network.New("test")
	require.NoError(t, g.AddInput("x", shapes.Make(dtypes.Float32, shapes.DimDynamic, 4)))
	require.NoError(t, g.AddInitializer("w", shapes.Make(dtypes.Float32, 4, 3), netfile.Float32Bytes([]float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 1, 1})))
	require.NoError(t, g.AddInitializer("b", shapes.Make(dtypes.Float16, 3), netfile.Float16Bytes([]float32{1, 0, -1})))
	require.NoError(t, g.AddNode(&network.Node{Name: "fc", Op: network.OpGemm, Inputs: []string{"x", "w", "b"}, Outputs: []string{"fc.out"}}))
	require.NoError(t, g.AddNode(&network.Node{Name: "relu", Op: network.OpRelu, Inputs: []string{"fc.out"}, Outputs: []string{"y"}}))
	g.MarkOutput("y")
	return g
}

func batchProfile(t *testing.T, builder *Builder, input string, minB, optB, maxB int, featureDims ...int) *OptimizationProfile {
	profile := builder.CreateOptimizationProfile()
	require.NoError(t, profile.SetDimensions(input, ProfileMin, append([]int{minB}, featureDims...)...))
	require.NoError(t, profile.SetDimensions(input, ProfileOpt, append([]int{optB}, featureDims...)...))
	require.NoError(t, profile.SetDimensions(input, ProfileMax, append([]int{maxB}, featureDims...)...))
	return profile
}

// buildTestEngine builds the test graph for batches in [1, 10], optimized for 5.
func buildTestEngine(t *testing.T, backend backends.Backend, logger logging.Logger) *Engine {
	builder := NewBuilder(backend, logger)
	config := builder.NewConfig().
		SetWorkspaceBytes(1 << 20).
		SetMaxBatchSize(10).
		AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
	e, err := builder.Build(buildTestGraph(t), config)
	require.NoError(t, err)
	return e
}

func TestBuild(t *testing.T) {
	backend := newProbeBackend(t, "memory=16MiB")
	recorder := logging.NewRecorder(logging.Info)
	e := buildTestEngine(t, backend, recorder)

	require.Equal(t, "test", e.Name())
	require.NotEqual(t, uuid.Nil, e.ID())
	require.Equal(t, 2, e.NumBindings())
	require.Equal(t, []string{"x"}, e.InputNames())
	require.Equal(t, []string{"y"}, e.OutputNames())
	require.Equal(t, 0, e.BindingIndex("x"))
	require.Equal(t, 1, e.BindingIndex("y"))
	require.Equal(t, -1, e.BindingIndex("fc.out"))

	x, found := e.Binding("x")
	require.True(t, found)
	require.True(t, x.IsInput)
	require.Equal(t, []int{shapes.DimDynamic, 4}, x.Shape.Dimensions)
	require.Equal(t, uintptr(10*4*4), x.MaxMemory())

	y, found := e.Binding("y")
	require.True(t, found)
	require.False(t, y.IsInput)
	require.Equal(t, dtypes.Float32, y.Shape.DType)
	require.Equal(t, []int{shapes.DimDynamic, 3}, y.Shape.Dimensions)
	require.Equal(t, shapes.NewShapeRange([]int{1, 3}, []int{5, 3}, []int{10, 3}), y.Range)

	// Bindings are copies: changing them doesn't change the engine.
	bindings := e.Bindings()
	bindings[0].Range.Max[0] = 1000
	bindings[0].Shape.Dimensions[1] = 7
	y.Range.Max[0] = 1000
	e.InputNames()[0] = "changed"
	x, _ = e.Binding("x")
	require.Equal(t, []int{10, 4}, x.Range.Max)
	require.Equal(t, []int{shapes.DimDynamic, 4}, x.Shape.Dimensions)
	y, _ = e.Binding("y")
	require.Equal(t, []int{10, 3}, y.Range.Max)
	require.Equal(t, []string{"x"}, e.InputNames())
	require.Equal(t, uintptr(10*4*4), x.MaxMemory())

	require.Len(t, e.Tactics(), 2)
	require.Greater(t, e.WorkspaceSize(), uintptr(0))
	require.Contains(t, e.String(), "input  x")
	require.Positive(t, recorder.Count(logging.Info))
	require.Equal(t, int32(1), backend.compiles.Load())

	require.NoError(t, e.Finalize())
	require.NoError(t, e.Finalize())
	_, err := e.NewContext()
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBuildConfigurationErrors(t *testing.T) {
	backend := newProbeBackend(t, "memory=16MiB")
	builder := NewBuilder(backend, logging.NewRecorder(logging.Error))
	graph := buildTestGraph(t)

	testCases := []struct {
		name   string
		config func() *BuilderConfig
	}{
		{"no profile", func() *BuilderConfig { return builder.NewConfig() }},
		{"two profiles", func() *BuilderConfig {
			return builder.NewConfig().
				AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4)).
				AddOptimizationProfile(batchProfile(t, builder, "x", 1, 2, 3, 4))
		}},
		{"min > opt", func() *BuilderConfig {
			return builder.NewConfig().AddOptimizationProfile(batchProfile(t, builder, "x", 6, 5, 10, 4))
		}},
		{"opt > max", func() *BuilderConfig {
			return builder.NewConfig().AddOptimizationProfile(batchProfile(t, builder, "x", 1, 11, 10, 4))
		}},
		{"zero batch", func() *BuilderConfig {
			return builder.NewConfig().AddOptimizationProfile(batchProfile(t, builder, "x", 0, 5, 10, 4))
		}},
		{"static axis changed", func() *BuilderConfig {
			return builder.NewConfig().AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 5))
		}},
		{"wrong rank", func() *BuilderConfig {
			return builder.NewConfig().AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4, 1))
		}},
		{"missing opt", func() *BuilderConfig {
			profile := builder.CreateOptimizationProfile()
			require.NoError(t, profile.SetDimensions("x", ProfileMin, 1, 4))
			require.NoError(t, profile.SetDimensions("x", ProfileMax, 10, 4))
			return builder.NewConfig().AddOptimizationProfile(profile)
		}},
		{"unknown input", func() *BuilderConfig {
			profile := batchProfile(t, builder, "x", 1, 5, 10, 4)
			require.NoError(t, profile.SetDimensions("fc.out", ProfileMin, 1, 3))
			return builder.NewConfig().AddOptimizationProfile(profile)
		}},
		{"max batch size mismatch", func() *BuilderConfig {
			return builder.NewConfig().SetMaxBatchSize(8).AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
		}},
		{"zero workspace", func() *BuilderConfig {
			return builder.NewConfig().SetWorkspaceBytes(0).AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
		}},
		{"negative profiling iterations", func() *BuilderConfig {
			return builder.NewConfig().SetProfilingIterations(-1).AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
		}},
		{"invalid device", func() *BuilderConfig {
			return builder.NewConfig().SetDeviceNum(1).AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := builder.Build(graph, tc.config())
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
	// Configuration is rejected before any interaction with the device.
	require.Zero(t, backend.memoryInfos.Load())
	require.Zero(t, backend.compiles.Load())

	profile := builder.CreateOptimizationProfile()
	require.ErrorIs(t, profile.SetDimensions("x", ProfileSelector(3), 1, 4), ErrConfiguration)
	require.Equal(t, "ProfileSelector(3)", ProfileSelector(3).String())
}

func TestBuildCompilationErrors(t *testing.T) {
	backend := newProbeBackend(t, "memory=1MiB")
	builder := NewBuilder(backend, logging.NewRecorder(logging.Error))

	// Workspace budget too small for the plan.
	config := builder.NewConfig().SetWorkspaceBytes(8).
		AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
	_, err := builder.Build(buildTestGraph(t), config)
	require.ErrorIs(t, err, ErrCompilation)
	require.ErrorIs(t, err, backends.ErrWorkspaceLimit)

	// Workspace budget larger than the device memory.
	config = builder.NewConfig().SetWorkspaceBytes(2 << 20).
		AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
	_, err = builder.Build(buildTestGraph(t), config)
	require.ErrorIs(t, err, ErrResourceExhausted)

	// Invalid graph: output never produced.
	g := buildTestGraph(t)
	g.MarkOutput("z")
	config = builder.NewConfig().SetWorkspaceBytes(1 << 10).
		AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
	_, err = builder.Build(g, config)
	require.ErrorIs(t, err, ErrCompilation)
	require.ErrorIs(t, err, network.ErrInvalidGraph)

	// Invalid graph: required operand left empty.
	g = network.New("omitted")
	require.NoError(t, g.AddInput("x", shapes.Make(dtypes.Float32, shapes.DimDynamic, 4)))
	require.NoError(t, g.AddNode(&network.Node{Name: "softmax", Op: network.OpSoftmax, Inputs: []string{""}, Outputs: []string{"y"}}))
	g.MarkOutput("y")
	config = builder.NewConfig().SetWorkspaceBytes(1 << 10).SetProfilingIterations(0).
		AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 10, 4))
	_, err = builder.Build(g, config)
	require.ErrorIs(t, err, ErrCompilation)
	require.ErrorIs(t, err, network.ErrInvalidGraph)

	// Nil graph.
	_, err = builder.Build(nil, config)
	require.ErrorIs(t, err, ErrCompilation)
}

func TestSetInputShape(t *testing.T) {
	backend := newProbeBackend(t, "memory=16MiB")
	e := buildTestEngine(t, backend, nil)
	ctx, err := e.NewContext()
	require.NoError(t, err)
	require.False(t, ctx.AllInputShapesSpecified())
	_, err = ctx.BindingShape("y")
	require.ErrorIs(t, err, ErrInvalidArgument)

	for _, batch := range []int{1, 5, 10} {
		require.NoError(t, ctx.SetInputShape("x", batch, 4))
		require.True(t, ctx.AllInputShapesSpecified())
		shape, err := ctx.BindingShape("y")
		require.NoError(t, err)
		require.Equal(t, []int{batch, 3}, shape.Dimensions)
	}

	// Invalid shapes are rejected, and the previous shape is kept.
	for _, dims := range [][]int{{0, 4}, {11, 4}, {12, 4}, {5, 3}, {5}, {5, 4, 1}} {
		require.ErrorIs(t, ctx.SetInputShape("x", dims...), ErrInvalidArgument, "dims=%v", dims)
		shape, err := ctx.BindingShape("x")
		require.NoError(t, err)
		require.Equal(t, []int{10, 4}, shape.Dimensions)
	}
	require.ErrorIs(t, ctx.SetInputShape("y", 5, 3), ErrInvalidArgument)
	require.ErrorIs(t, ctx.SetInputShape("unknown", 5, 4), ErrInvalidArgument)
	_, err = ctx.BindingShape("unknown")
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Engine can't be finalized while there are live contexts.
	require.ErrorIs(t, e.Finalize(), ErrInvalidArgument)
	require.NoError(t, ctx.Finalize())
	require.NoError(t, ctx.Finalize())
	require.ErrorIs(t, ctx.SetInputShape("x", 5, 4), ErrInvalidArgument)
	require.NoError(t, e.Finalize())
}

func TestExecute(t *testing.T) {
	backend := newProbeBackend(t, "memory=16MiB")
	e := buildTestEngine(t, backend, nil)
	defer func() { require.NoError(t, e.Finalize()) }()
	ctx, err := e.NewContext()
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Finalize()) }()

	err = WithBindingBuffers(e, func(buffers *BindingBuffers) error {
		require.Equal(t, uintptr(10*4*4), buffers.Buffer("x").Size())
		require.Equal(t, uintptr(10*3*4), buffers.Buffer("y").Size())
		require.Nil(t, buffers.Buffer("fc.out"))

		// The same buffers are reused for different batch sizes.
		inputs := [][]float32{{1, 0, 0, 0}, {0, 1, 1, 0}, {0, 0, 0, 1}}
		wants := [][]float32{{2, 0, 0}, {1, 1, 0}, {2, 1, 0}}
		for batch := 1; batch <= 3; batch++ {
			require.NoError(t, ctx.SetInputShape("x", batch, 4))
			var flat []float32
			for _, row := range inputs[:batch] {
				flat = append(flat, row...)
			}
			require.NoError(t, CopyToDevice(ctx.Stream(), buffers.Buffer("x"), flat))
			require.NoError(t, ctx.Execute(buffers.Bindings()))
			got := make([]float32, batch*3)
			require.NoError(t, CopyFromDevice(ctx.Stream(), got, buffers.Buffer("y")))
			require.NoError(t, ctx.Stream().Synchronize())
			var want []float32
			for _, row := range wants[:batch] {
				want = append(want, row...)
			}
			require.InDeltaSlice(t, want, got, 1e-6, "batch=%d", batch)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestEnqueueErrors(t *testing.T) {
	backend := newProbeBackend(t, "memory=16MiB")
	e := buildTestEngine(t, backend, nil)
	ctx, err := e.NewContext()
	require.NoError(t, err)
	buffers, err := AllocateBindings(e)
	require.NoError(t, err)

	// Input shapes not set.
	require.ErrorIs(t, ctx.Enqueue(buffers.Bindings()), ErrInvalidArgument)
	require.NoError(t, ctx.SetInputShape("x", 5, 4))

	// Missing and extra bindings.
	bindings := buffers.Bindings()
	delete(bindings, "y")
	require.ErrorIs(t, ctx.Enqueue(bindings), ErrInvalidArgument)
	bindings = buffers.Bindings()
	bindings["z"] = buffers.Buffer("y")
	require.ErrorIs(t, ctx.Enqueue(bindings), ErrInvalidArgument)

	// Buffer too small for the current shape.
	small, err := allocate(backend, 0, "y", dtypes.Float32, 4*3*4)
	require.NoError(t, err)
	bindings = buffers.Bindings()
	bindings["y"] = small
	require.ErrorIs(t, ctx.Enqueue(bindings), ErrInvalidArgument)
	require.NoError(t, ctx.SetInputShape("x", 4, 4))
	require.NoError(t, ctx.Execute(bindings))

	// Released buffer.
	require.NoError(t, small.Release())
	require.ErrorIs(t, ctx.Enqueue(bindings), ErrInvalidArgument)

	// Copies with the wrong dtype or too large.
	require.ErrorIs(t, CopyToDevice(ctx.Stream(), buffers.Buffer("x"), []int32{1, 2}), ErrInvalidArgument)
	require.ErrorIs(t, CopyToDevice(ctx.Stream(), buffers.Buffer("x"), make([]float32, 41)), ErrInvalidArgument)
	require.ErrorIs(t, CopyFromDevice(ctx.Stream(), make([]float32, 3), small), ErrInvalidArgument)

	require.NoError(t, buffers.Release())
	require.NoError(t, ctx.Finalize())
	require.NoError(t, e.Finalize())
}

func TestDoubleRelease(t *testing.T) {
	backend := newProbeBackend(t, "memory=16MiB")
	e := buildTestEngine(t, backend, nil)
	defer func() { require.NoError(t, e.Finalize()) }()
	free0, _, err := backend.MemoryInfo(0)
	require.NoError(t, err)

	buffers, err := AllocateBindings(e)
	require.NoError(t, err)
	free1, _, _ := backend.MemoryInfo(0)
	require.Equal(t, free0-10*4*4-10*3*4, free1)

	x := buffers.Buffer("x")
	require.NoError(t, x.Release())
	require.True(t, x.IsReleased())
	require.ErrorIs(t, x.Release(), ErrDoubleRelease)
	require.ErrorIs(t, buffers.Release(), ErrDoubleRelease)
	require.True(t, buffers.Buffer("y").IsReleased())
	free2, _, _ := backend.MemoryInfo(0)
	require.Equal(t, free0, free2)
}

func TestAllocateBindingsOutOfMemory(t *testing.T) {
	backend := newProbeBackend(t, "memory=1KiB")
	builder := NewBuilder(backend, nil)
	config := builder.NewConfig().SetWorkspaceBytes(1 << 10).
		AddOptimizationProfile(batchProfile(t, builder, "x", 1, 5, 50, 4))
	e, err := builder.Build(buildTestGraph(t), config)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Finalize()) }()

	// Input of 800 bytes fits, but the output of 600 bytes doesn't: the input must be released.
	_, err = AllocateBindings(e)
	require.ErrorIs(t, err, ErrResourceExhausted)
	free, total, err := backend.MemoryInfo(0)
	require.NoError(t, err)
	require.Equal(t, total, free)
}

func TestExecuteFailure(t *testing.T) {
	backend := newProbeBackend(t, "memory=16MiB")
	e := buildTestEngine(t, backend, nil)
	defer func() { require.NoError(t, e.Finalize()) }()
	ctx, err := e.NewContext()
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Finalize()) }()

	require.NoError(t, WithBindingBuffers(e, func(buffers *BindingBuffers) error {
		require.NoError(t, ctx.SetInputShape("x", 1, 4))
		require.NoError(t, CopyToDevice(ctx.Stream(), buffers.Buffer("x"), []float32{0, 1, 1, 0}))

		backend.fail.Store(true)
		err := ctx.Execute(buffers.Bindings())
		require.ErrorIs(t, err, ErrDevice)
		require.ErrorContains(t, err, "injected device fault")

		// The context is still usable.
		backend.fail.Store(false)
		require.NoError(t, CopyToDevice(ctx.Stream(), buffers.Buffer("x"), []float32{0, 1, 1, 0}))
		require.NoError(t, ctx.Execute(buffers.Bindings()))
		got := make([]float32, 3)
		require.NoError(t, CopyFromDevice(ctx.Stream(), got, buffers.Buffer("y")))
		require.NoError(t, ctx.Stream().Synchronize())
		require.InDeltaSlice(t, []float32{1, 1, 0}, got, 1e-6)
		return nil
	}))
}
