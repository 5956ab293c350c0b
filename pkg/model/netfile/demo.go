// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netfile

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

const (
	// DemoInputName is the name of the image input of DemoClassifier, with shape [?, 3, 224, 224].
	DemoInputName = "data"

	// DemoOutputName is the name of the class probabilities output of DemoClassifier, with shape [?, 1000].
	DemoOutputName = "prob"

	// DemoImageSize is the height and width of the images taken by DemoClassifier.
	DemoImageSize = 224

	// DemoNumClasses is the number of classes of DemoClassifier.
	DemoNumClasses = 1000
)

// Float32Bytes encodes values as little-endian float32 raw data.
func Float32Bytes(values []float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}

// Float16Bytes encodes values as little-endian float16 raw data.
func Float16Bytes(values []float32) []byte {
	data := make([]byte, 2*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint16(data[2*ii:], float16.Fromfloat32(v).Bits())
	}
	return data
}

// demoBuilder accumulates the demo graph, keeping the name of the last produced tensor.
type demoBuilder struct {
	g        *network.Graph
	rng      *rand.Rand
	last     string
	channels int
	err      error
}

func (b *demoBuilder) initializer(name string, dtype dtypes.DType, fanIn int, dims ...int) string {
	if b.err != nil {
		return name
	}
	shape := shapes.Make(dtype, dims...)
	values := make([]float32, shape.Size())
	stddev := math.Sqrt(2.0 / float64(fanIn))
	for ii := range values {
		values[ii] = float32(b.rng.NormFloat64() * stddev)
	}
	var data []byte
	if dtype == dtypes.Float16 {
		data = Float16Bytes(values)
	} else {
		data = Float32Bytes(values)
	}
	b.err = b.g.AddInitializer(name, shape, data)
	return name
}

func (b *demoBuilder) node(name string, op network.OpType, attrs map[string]network.Attribute, inputs ...string) string {
	if b.err != nil {
		return name
	}
	output := name + ".out"
	b.err = b.g.AddNode(&network.Node{Name: name, Op: op, Inputs: inputs, Outputs: []string{output}, Attributes: attrs})
	b.last = output
	return output
}

// conv adds a Conv with bias followed by a Clip(0, 6) ("ReLU6") activation.
func (b *demoBuilder) conv(name string, outChannels, kernel, stride, group int) string {
	pad := kernel / 2
	w := b.initializer(name+".w", dtypes.Float32, kernel*kernel*b.channels/group,
		outChannels, b.channels/group, kernel, kernel)
	bias := b.initializer(name+".b", dtypes.Float32, outChannels*100, outChannels)
	x := b.node(name, network.OpConv, map[string]network.Attribute{
		"strides": {Ints: []int{stride, stride}},
		"pads":    {Ints: []int{pad, pad, pad, pad}},
		"group":   {Ints: []int{group}},
	}, b.last, w, bias)
	b.channels = outChannels
	return b.node(name+".relu6", network.OpClip, map[string]network.Attribute{
		"min": {Floats: []float64{0}}, "max": {Floats: []float64{6}}}, x)
}

// DemoClassifier builds a small MobileNet-style image classifier with random weights drawn from seed:
// input DemoInputName [?, 3, 224, 224] Float32, output DemoOutputName [?, 1000] with class probabilities.
//
// It uses depthwise separable convolutions, a max-pool, a residual connection and a Float16 classification
// head, so it exercises every operator of the Go device.
func DemoClassifier(seed int64) *network.Graph {
	g := network.New("demo_mobilenet")
	b := &demoBuilder{g: g, rng: rand.New(rand.NewSource(seed)), last: DemoInputName, channels: 3}
	b.err = g.AddInput(DemoInputName, shapes.Make(dtypes.Float32, shapes.DimDynamic, 3, DemoImageSize, DemoImageSize))

	b.conv("stem", 8, 3, 2, 1)     // 112x112
	b.conv("block1.dw", 8, 3, 2, 8) // 56x56
	b.conv("block1.pw", 16, 1, 1, 1)
	b.node("pool", network.OpMaxPool, map[string]network.Attribute{
		"kernel_shape": {Ints: []int{2, 2}}, "strides": {Ints: []int{2, 2}}}, b.last) // 28x28

	// Residual block.
	shortcut := b.last
	b.conv("block2.dw", 16, 3, 1, 16)
	w := b.initializer("block2.pw.w", dtypes.Float32, 16, 16, 16, 1, 1)
	b.node("block2.pw", network.OpConv, nil, b.last, w, "")
	b.node("block2.add", network.OpAdd, nil, shortcut, b.last)
	b.node("block2.relu", network.OpRelu, nil, b.last)

	b.node("gap", network.OpGlobalAveragePool, nil, b.last)
	b.node("flatten", network.OpFlatten, map[string]network.Attribute{"axis": {Ints: []int{1}}}, b.last)
	fcW := b.initializer("fc.w", dtypes.Float16, b.channels, DemoNumClasses, b.channels)
	fcB := b.initializer("fc.b", dtypes.Float16, 100*b.channels, DemoNumClasses)
	logits := b.node("fc", network.OpGemm, map[string]network.Attribute{"transB": {Ints: []int{1}}}, b.last, fcW, fcB)
	if b.err == nil {
		b.err = g.AddNode(&network.Node{Name: "softmax", Op: network.OpSoftmax, Inputs: []string{logits},
			Outputs: []string{DemoOutputName}, Attributes: map[string]network.Attribute{"axis": {Ints: []int{-1}}}})
	}
	if b.err != nil {
		exceptions.Panicf("netfile.DemoClassifier: %+v", b.err)
	}
	g.MarkOutput(DemoOutputName)
	return g
}
