// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"math"
	"slices"

	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/pkg/errors"
)

// OpType is the operator of a Node. Names follow the usual ONNX operator names.
type OpType string

const (
	OpConv              OpType = "Conv"
	OpGemm              OpType = "Gemm"
	OpRelu              OpType = "Relu"
	OpClip              OpType = "Clip"
	OpAdd               OpType = "Add"
	OpGlobalAveragePool OpType = "GlobalAveragePool"
	OpMaxPool           OpType = "MaxPool"
	OpFlatten           OpType = "Flatten"
	OpSoftmax           OpType = "Softmax"
	OpIdentity          OpType = "Identity"
)

// AllOps lists every operator known to the graph representation.
// A backend may support only a subset, see backends.Capabilities.
var AllOps = []OpType{
	OpConv, OpGemm, OpRelu, OpClip, OpAdd, OpGlobalAveragePool, OpMaxPool, OpFlatten, OpSoftmax, OpIdentity,
}

// arity holds the minimum and maximum number of inputs of each operator.
var arity = map[OpType][2]int{
	OpConv:              {2, 3},
	OpGemm:              {2, 3},
	OpRelu:              {1, 1},
	OpClip:              {1, 1},
	OpAdd:               {2, 2},
	OpGlobalAveragePool: {1, 1},
	OpMaxPool:           {1, 1},
	OpFlatten:           {1, 1},
	OpSoftmax:           {1, 1},
	OpIdentity:          {1, 1},
}

func (n *Node) checkArity() error {
	bounds, found := arity[n.Op]
	if !found {
		return errors.Errorf("node %q has unknown operator %q", n.Name, n.Op)
	}
	if len(n.Inputs) < bounds[0] || len(n.Inputs) > bounds[1] {
		return errors.Errorf("node %q (%s) takes %d to %d inputs, got %d", n.Name, n.Op, bounds[0], bounds[1], len(n.Inputs))
	}
	// Only optional inputs, past the required ones, can be omitted with "".
	for ii, input := range n.Inputs[:bounds[0]] {
		if input == "" {
			return errors.Errorf("node %q (%s) is missing its required input #%d", n.Name, n.Op, ii)
		}
	}
	if len(n.Outputs) != 1 {
		return errors.Errorf("node %q (%s) must have exactly one output, got %d", n.Name, n.Op, len(n.Outputs))
	}
	return nil
}

// Ints returns the integer list attribute, or defaultValue if not set.
func (n *Node) Ints(name string, defaultValue []int) []int {
	if attr, found := n.Attributes[name]; found && len(attr.Ints) > 0 {
		return attr.Ints
	}
	return defaultValue
}

// Int returns the first value of an integer attribute, or defaultValue if not set.
func (n *Node) Int(name string, defaultValue int) int {
	if attr, found := n.Attributes[name]; found && len(attr.Ints) > 0 {
		return attr.Ints[0]
	}
	return defaultValue
}

// Float returns the first value of a float attribute, or defaultValue if not set.
func (n *Node) Float(name string, defaultValue float64) float64 {
	if attr, found := n.Attributes[name]; found && len(attr.Floats) > 0 {
		return attr.Floats[0]
	}
	return defaultValue
}

// ConvParams are the resolved parameters of a Conv or MaxPool node.
type ConvParams struct {
	KernelH, KernelW    int
	StrideH, StrideW    int
	PadTop, PadLeft     int
	PadBottom, PadRight int
	Group               int
}

// WindowParams resolves the window attributes (kernel, strides, pads and group) of a Conv or
// MaxPool node. For Conv the kernel size is taken from the weights dimensions.
func (n *Node) WindowParams(kernelH, kernelW int) (p ConvParams, err error) {
	if n.Op == OpMaxPool {
		kernel := n.Ints("kernel_shape", nil)
		if len(kernel) != 2 {
			return p, errors.Errorf("node %q (%s): kernel_shape must have 2 values, got %v", n.Name, n.Op, kernel)
		}
		kernelH, kernelW = kernel[0], kernel[1]
	}
	strides := n.Ints("strides", []int{1, 1})
	pads := n.Ints("pads", []int{0, 0, 0, 0})
	dilations := n.Ints("dilations", []int{1, 1})
	if len(strides) != 2 || strides[0] <= 0 || strides[1] <= 0 {
		return p, errors.Errorf("node %q (%s): invalid strides %v", n.Name, n.Op, strides)
	}
	if len(pads) != 4 || slices.ContainsFunc(pads, func(v int) bool { return v < 0 }) {
		return p, errors.Errorf("node %q (%s): invalid pads %v, expected [top, left, bottom, right]", n.Name, n.Op, pads)
	}
	if !slices.Equal(dilations, []int{1, 1}) {
		return p, errors.Errorf("node %q (%s): dilations %v not supported", n.Name, n.Op, dilations)
	}
	p = ConvParams{
		KernelH: kernelH, KernelW: kernelW,
		StrideH: strides[0], StrideW: strides[1],
		PadTop: pads[0], PadLeft: pads[1], PadBottom: pads[2], PadRight: pads[3],
		Group: n.Int("group", 1),
	}
	if p.Group <= 0 {
		return p, errors.Errorf("node %q (%s): invalid group %d", n.Name, n.Op, p.Group)
	}
	return p, nil
}

// OutputSpatial returns the output height and width for an input of the given spatial dimensions.
func (p ConvParams) OutputSpatial(height, width int) (int, int) {
	outH := (height+p.PadTop+p.PadBottom-p.KernelH)/p.StrideH + 1
	outW := (width+p.PadLeft+p.PadRight-p.KernelW)/p.StrideW + 1
	return outH, outW
}

// ClipRange returns the [min, max] of a Clip node, defaulting to the whole float range.
func (n *Node) ClipRange() (lo, hi float32) {
	return float32(n.Float("min", math.Inf(-1))), float32(n.Float("max", math.Inf(1)))
}

// InferShapes computes the concrete dimensions of every tensor, given concrete dimensions for all inputs.
//
// Graph must have been validated. Input dimensions must match the declared input shapes
// (dynamic axes take any positive value).
func (g *Graph) InferShapes(inputDims map[string][]int) (map[string][]int, error) {
	if g.order == nil && len(g.nodes) > 0 {
		return nil, errors.Errorf("graph %q: InferShapes called before Validate", g.Name)
	}
	dims := make(map[string][]int, len(g.tensors))
	for _, t := range g.tensors {
		switch t.Kind {
		case Initializer:
			dims[t.Name] = t.Shape.Dimensions
		case Input:
			given, found := inputDims[t.Name]
			if !found {
				if t.Shape.IsDynamic() {
					return nil, errors.Errorf("graph %q: dimensions of dynamic input %q not given", g.Name, t.Name)
				}
				given = t.Shape.Dimensions
			}
			if err := t.Shape.Matches(given); err != nil {
				return nil, errors.WithMessagef(err, "graph %q: input %q", g.Name, t.Name)
			}
			dims[t.Name] = slices.Clone(given)
		}
	}
	for _, node := range g.order {
		out, err := node.InferShape(dims)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidGraph, "graph %q: %v", g.Name, err)
		}
		dims[node.Outputs[0]] = out
	}
	return dims, nil
}

// InferShape returns the output dimensions of the node, given the dimensions of its (non-omitted) inputs.
func (n *Node) InferShape(dims map[string][]int) ([]int, error) {
	if err := n.checkArity(); err != nil {
		return nil, err
	}
	in := make([][]int, len(n.Inputs))
	for ii, name := range n.Inputs {
		if name != "" {
			in[ii] = dims[name]
		}
	}
	x := in[0]
	switch n.Op {
	case OpRelu, OpClip, OpIdentity:
		return slices.Clone(x), nil

	case OpSoftmax:
		axis := n.Int("axis", -1)
		if axis != -1 && axis != len(x)-1 {
			return nil, errors.Errorf("node %q (%s): only the last axis is supported, got axis=%d", n.Name, n.Op, axis)
		}
		return slices.Clone(x), nil

	case OpAdd:
		if !slices.Equal(x, in[1]) {
			return nil, errors.Errorf("node %q (%s): operands have different dimensions %v and %v", n.Name, n.Op, x, in[1])
		}
		return slices.Clone(x), nil

	case OpGlobalAveragePool:
		if len(x) != 4 {
			return nil, errors.Errorf("node %q (%s): expected NCHW input, got %v", n.Name, n.Op, x)
		}
		return []int{x[0], x[1], 1, 1}, nil

	case OpFlatten:
		axis := n.Int("axis", 1)
		if axis < 0 {
			axis += len(x)
		}
		if axis < 0 || axis > len(x) {
			return nil, errors.Errorf("node %q (%s): invalid axis %d for rank %d", n.Name, n.Op, axis, len(x))
		}
		outer, inner := 1, 1
		for ii, dim := range x {
			if ii < axis {
				outer *= dim
			} else {
				inner *= dim
			}
		}
		return []int{outer, inner}, nil

	case OpMaxPool:
		if len(x) != 4 {
			return nil, errors.Errorf("node %q (%s): expected NCHW input, got %v", n.Name, n.Op, x)
		}
		p, err := n.WindowParams(0, 0)
		if err != nil {
			return nil, err
		}
		outH, outW := p.OutputSpatial(x[2], x[3])
		if outH <= 0 || outW <= 0 {
			return nil, errors.Errorf("node %q (%s): window larger than input %v", n.Name, n.Op, x)
		}
		return []int{x[0], x[1], outH, outW}, nil

	case OpConv:
		w := in[1]
		if len(x) != 4 || len(w) != 4 {
			return nil, errors.Errorf("node %q (%s): expected NCHW input and MCkHkW weights, got %v and %v", n.Name, n.Op, x, w)
		}
		p, err := n.WindowParams(w[2], w[3])
		if err != nil {
			return nil, err
		}
		if x[1]%p.Group != 0 || w[0]%p.Group != 0 || x[1]/p.Group != w[1] {
			return nil, errors.Errorf("node %q (%s): input channels %d, weights %v incompatible with group %d",
				n.Name, n.Op, x[1], w, p.Group)
		}
		if len(in) > 2 && in[2] != nil && !slices.Equal(in[2], []int{w[0]}) {
			return nil, errors.Errorf("node %q (%s): bias dimensions %v, expected [%d]", n.Name, n.Op, in[2], w[0])
		}
		outH, outW := p.OutputSpatial(x[2], x[3])
		if outH <= 0 || outW <= 0 {
			return nil, errors.Errorf("node %q (%s): kernel larger than input %v", n.Name, n.Op, x)
		}
		return []int{x[0], w[0], outH, outW}, nil

	case OpGemm:
		w := in[1]
		if len(x) != 2 || len(w) != 2 {
			return nil, errors.Errorf("node %q (%s): expected rank-2 operands, got %v and %v", n.Name, n.Op, x, w)
		}
		if n.Int("transA", 0) != 0 {
			return nil, errors.Errorf("node %q (%s): transA not supported", n.Name, n.Op)
		}
		k, m := w[0], w[1]
		if n.Int("transB", 0) != 0 {
			k, m = w[1], w[0]
		}
		if x[1] != k {
			return nil, errors.Errorf("node %q (%s): contracting dimensions don't match: %v x %v (transB=%d)",
				n.Name, n.Op, x, w, n.Int("transB", 0))
		}
		if len(in) > 2 && in[2] != nil && !slices.Equal(in[2], []int{m}) {
			return nil, errors.Errorf("node %q (%s): bias dimensions %v, expected [%d]", n.Name, n.Op, in[2], m)
		}
		return []int{x[0], m}, nil
	}
	return nil, errors.Errorf("node %q has unknown operator %q", n.Name, n.Op)
}

// OutputShapes infers the dimensions of the graph outputs for the given input dimensions,
// as shapes.Shape with the dtype of the inputs (all computation is done in the input dtype).
func (g *Graph) OutputShapes(inputDims map[string][]int) ([]shapes.Shape, error) {
	dims, err := g.InferShapes(inputDims)
	if err != nil {
		return nil, err
	}
	dtype := g.byName[g.inputs[0]].Shape.DType
	result := make([]shapes.Shape, len(g.outputs))
	for ii, name := range g.outputs {
		result[ii] = shapes.Make(dtype, dims[name]...)
	}
	return result, nil
}
