// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newTestBackend(t *testing.T, config string) *Backend {
	b, err := New(config)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

func float32Bytes(values []float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}

func bytesFloat32(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*ii:]))
	}
	return values
}

func TestNew(t *testing.T) {
	b := newTestBackend(t, "memory=1MiB, parallelism=3")
	require.Equal(t, BackendName, b.Name())
	require.Equal(t, 3, b.Workers().MaxParallelism())
	free, total, err := b.MemoryInfo(0)
	require.NoError(t, err)
	require.Equal(t, uintptr(1<<20), total)
	require.Equal(t, total, free)
	require.Contains(t, b.Description(), "Pure Go device")

	for _, config := range []string{"memory=lots", "parallelism=-2", "parallelism=x", "color=blue"} {
		_, err = New(config)
		require.Errorf(t, err, "config %q should have failed", config)
	}

	// Through the registry.
	backend, err := backends.NewWithConfig("go:memory=2MiB")
	require.NoError(t, err)
	defer backend.Finalize()
	_, total, err = backend.MemoryInfo(0)
	require.NoError(t, err)
	require.Equal(t, uintptr(2<<20), total)
	_, err = backends.NewWithConfig("unknown:")
	require.Error(t, err)
}

func TestMemory(t *testing.T) {
	b := newTestBackend(t, "memory=1KiB")
	buf, err := b.Malloc(0, 600)
	require.NoError(t, err)
	size, err := b.BufferSize(buf)
	require.NoError(t, err)
	require.Equal(t, uintptr(600), size)
	free, _, err := b.MemoryInfo(0)
	require.NoError(t, err)
	require.Equal(t, uintptr(1024-600), free)

	_, err = b.Malloc(0, 600)
	require.ErrorIs(t, err, backends.ErrOutOfMemory)
	_, err = b.Malloc(1, 10)
	require.Error(t, err)

	require.NoError(t, b.Free(buf))
	require.Error(t, b.Free(buf), "double free must be detected")
	_, err = b.BufferSize(buf)
	require.Error(t, err)
	free, _, _ = b.MemoryInfo(0)
	require.Equal(t, uintptr(1024), free)

	buf = must.M1(b.Malloc(0, 1024))
	require.NoError(t, b.Free(buf))
}

func TestStream(t *testing.T) {
	b := newTestBackend(t, "memory=1MiB")
	backendStream, err := b.NewStream(0)
	require.NoError(t, err)
	stream := backendStream.(*Stream)
	buf := must.M1(b.Malloc(0, 16))

	// Ordered copies.
	src := float32Bytes([]float32{1, 2, 3, 4})
	dst := make([]byte, 16)
	require.NoError(t, stream.CopyHostToDevice(buf, src))
	require.NoError(t, stream.CopyDeviceToHost(dst, buf))
	require.NoError(t, stream.Synchronize())
	require.Equal(t, []float32{1, 2, 3, 4}, bytesFloat32(dst))

	// Copies larger than the buffer fail immediately.
	require.Error(t, stream.CopyHostToDevice(buf, make([]byte, 20)))
	require.Error(t, stream.CopyDeviceToHost(make([]byte, 20), buf))

	// Failures are sticky until Synchronize, and work after a failure is skipped.
	ran := false
	require.NoError(t, stream.Enqueue(func() error { return errors.New("device fault") }))
	require.NoError(t, stream.Enqueue(func() error { ran = true; return nil }))
	require.ErrorContains(t, stream.Synchronize(), "device fault")
	require.False(t, ran)
	require.NoError(t, stream.Synchronize())

	// Panics become errors, and the stream is still usable.
	require.NoError(t, stream.Enqueue(func() error { exceptions.Panicf("kernel bug"); return nil }))
	require.ErrorContains(t, stream.Synchronize(), "kernel bug")
	require.NoError(t, stream.Enqueue(func() error { ran = true; return nil }))
	require.NoError(t, stream.Synchronize())
	require.True(t, ran)

	// Copies from freed buffers fail.
	require.NoError(t, b.Free(buf))
	require.Error(t, stream.CopyDeviceToHost(dst, buf))

	require.NoError(t, stream.Destroy())
	require.Error(t, stream.Destroy())
	require.Error(t, stream.Enqueue(func() error { return nil }))
}

// buildTestGraph builds: x[?, 4] -> Gemm(4->3, bias) -> Relu -> Softmax -> y.
func buildTestGraph(t *testing.T) *network.Graph {
	g := network.New("test")
	require.NoError(t, g.AddInput("x", shapes.Make(dtypes.Float32, shapes.DimDynamic, 4)))
	require.NoError(t, g.AddInitializer("w", shapes.Make(dtypes.Float32, 4, 3), float32Bytes([]float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 1, 1})))
	// Bias in Float16: converted during compilation.
	b16 := make([]byte, 6)
	for ii, bits := range []uint16{0x3c00, 0x0000, 0xbc00} { // 1, 0, -1
		binary.LittleEndian.PutUint16(b16[2*ii:], bits)
	}
	require.NoError(t, g.AddInitializer("b", shapes.Make(dtypes.Float16, 3), b16))
	require.NoError(t, g.AddNode(&network.Node{Name: "fc", Op: network.OpGemm, Inputs: []string{"x", "w", "b"}, Outputs: []string{"fc.out"}}))
	require.NoError(t, g.AddNode(&network.Node{Name: "relu", Op: network.OpRelu, Inputs: []string{"fc.out"}, Outputs: []string{"relu.out"}}))
	require.NoError(t, g.AddNode(&network.Node{Name: "softmax", Op: network.OpSoftmax, Inputs: []string{"relu.out"}, Outputs: []string{"y"}}))
	g.MarkOutput("y")
	require.NoError(t, g.Validate())
	return g
}

func TestCompileAndExecute(t *testing.T) {
	b := newTestBackend(t, "memory=1MiB,parallelism=2")
	g := buildTestGraph(t)
	var progressCalls int
	request := &backends.CompileRequest{
		Graph:               g,
		Ranges:              []shapes.ShapeRange{shapes.NewShapeRange([]int{1, 4}, []int{2, 4}, []int{3, 4})},
		WorkspaceLimit:      1 << 20,
		ProfilingIterations: 2,
		Progress:            func(done, total int, _ string) { progressCalls++; require.Equal(t, 3, total) },
	}
	plan, err := b.Compile(0, request)
	require.NoError(t, err)
	defer plan.Finalize()
	require.Equal(t, 3, progressCalls)
	require.Len(t, plan.Tactics(), 3)
	require.Equal(t, "fc", plan.Tactics()[0].Node)

	// fc.out and relu.out are alive at the same time: each is 3x3 float32 at the maximum batch of 3.
	require.Equal(t, 2*alignUp(3*3*4), plan.WorkspaceSize())

	workspace := must.M1(b.Malloc(0, plan.WorkspaceSize()))
	input := must.M1(b.Malloc(0, 3*4*4))
	output := must.M1(b.Malloc(0, 3*3*4))
	stream := must.M1(b.NewStream(0))
	defer func() { require.NoError(t, stream.Destroy()) }()

	// Batch of 2: x0 -> fc = [1+1, 0, 0-1] -> relu [2, 0, 0]; x1 -> fc = [1, 1, -1+1] -> relu [1, 1, 0].
	require.NoError(t, stream.CopyHostToDevice(input, float32Bytes([]float32{1, 0, 0, 0, 0, 1, 1, 0})))
	require.NoError(t, plan.Enqueue(stream, workspace, [][]int{{2, 4}}, []backends.Buffer{input}, []backends.Buffer{output}))
	result := make([]byte, 2*3*4)
	require.NoError(t, stream.CopyDeviceToHost(result, output))
	require.NoError(t, stream.Synchronize())
	e2, e1 := math.Exp(2), math.E
	want := []float32{
		float32(e2 / (e2 + 2)), float32(1 / (e2 + 2)), float32(1 / (e2 + 2)),
		float32(e1 / (2*e1 + 1)), float32(e1 / (2*e1 + 1)), float32(1 / (2*e1 + 1))}
	require.InDeltaSlice(t, want, bytesFloat32(result), 1e-6)

	// Out of range dimensions and small buffers are rejected when enqueuing.
	require.Error(t, plan.Enqueue(stream, workspace, [][]int{{4, 4}}, []backends.Buffer{input}, []backends.Buffer{output}))
	require.Error(t, plan.Enqueue(stream, workspace, [][]int{{2, 5}}, []backends.Buffer{input}, []backends.Buffer{output}))
	small := must.M1(b.Malloc(0, 4))
	require.Error(t, plan.Enqueue(stream, workspace, [][]int{{2, 4}}, []backends.Buffer{small}, []backends.Buffer{output}))
	require.Error(t, plan.Enqueue(stream, small, [][]int{{2, 4}}, []backends.Buffer{input}, []backends.Buffer{output}))
	for _, buf := range []backends.Buffer{small, workspace, input, output} {
		require.NoError(t, b.Free(buf))
	}
}

func TestCompileDeterministic(t *testing.T) {
	b := newTestBackend(t, "")
	g := buildTestGraph(t)
	request := &backends.CompileRequest{
		Graph:  g,
		Ranges: []shapes.ShapeRange{shapes.NewShapeRange([]int{1, 4}, []int{5, 4}, []int{10, 4})},
	}
	plan1 := must.M1(b.Compile(0, request))
	plan2 := must.M1(b.Compile(0, request))
	require.Equal(t, plan1.Tactics(), plan2.Tactics())
	require.Equal(t, plan1.WorkspaceSize(), plan2.WorkspaceSize())
	for _, tactic := range plan1.Tactics() {
		require.Zero(t, tactic.Time)
	}
	plan1.Finalize()
	plan2.Finalize()
}

func TestCompileErrors(t *testing.T) {
	b := newTestBackend(t, "")
	g := buildTestGraph(t)
	validRange := []shapes.ShapeRange{shapes.NewShapeRange([]int{1, 4}, []int{2, 4}, []int{3, 4})}

	// Invalid ranges.
	_, err := b.Compile(0, &backends.CompileRequest{Graph: g,
		Ranges: []shapes.ShapeRange{shapes.NewShapeRange([]int{3, 4}, []int{2, 4}, []int{1, 4})}})
	require.Error(t, err)
	_, err = b.Compile(0, &backends.CompileRequest{Graph: g,
		Ranges: []shapes.ShapeRange{shapes.NewShapeRange([]int{1, 5}, []int{2, 5}, []int{3, 5})}})
	require.Error(t, err)
	_, err = b.Compile(0, &backends.CompileRequest{Graph: g})
	require.Error(t, err)

	// Workspace limit too small.
	_, err = b.Compile(0, &backends.CompileRequest{Graph: g, Ranges: validRange, WorkspaceLimit: 8})
	require.ErrorIs(t, err, backends.ErrWorkspaceLimit)

	// Unsupported input dtype.
	g16 := network.New("f16")
	require.NoError(t, g16.AddInput("x", shapes.Make(dtypes.Float16, shapes.DimDynamic, 4)))
	require.NoError(t, g16.AddNode(&network.Node{Name: "relu", Op: network.OpRelu, Inputs: []string{"x"}, Outputs: []string{"y"}}))
	g16.MarkOutput("y")
	require.NoError(t, g16.Validate())
	_, err = b.Compile(0, &backends.CompileRequest{Graph: g16, Ranges: validRange})
	require.ErrorIs(t, err, backends.ErrNotSupported)
}
