// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/klauspost/cpuid/v2"
)

// tactic is one kernel implementation of an operator.
type tactic struct {
	name string
	run  func(a *kernelArgs)

	// scratch returns the number of float32 elements of workspace the kernel needs, nil if none.
	scratch func(inputDims [][]int, outputDims []int) int

	// prepare rearranges the constant weights (second operand) at compile time, nil if not needed.
	prepare func(node *network.Node, weights []float32, weightDims []int) []float32
}

func (t *tactic) scratchSize(inputDims [][]int, outputDims []int) int {
	if t.scratch == nil {
		return 0
	}
	return t.scratch(inputDims, outputDims)
}

var (
	tacticIdentity = &tactic{name: "copy", run: execIdentity}
	tacticRelu     = &tactic{name: "elementwise", run: execRelu}
	tacticClip     = &tactic{name: "elementwise", run: execClip}
	tacticAdd      = &tactic{name: "elementwise", run: execAdd}
	tacticGAP      = &tactic{name: "plane_sum", run: execGlobalAveragePool}
	tacticMaxPool  = &tactic{name: "window", run: execMaxPool}
	tacticSoftmax  = &tactic{name: "rows", run: execSoftmax}

	tacticConvDirect = &tactic{name: "direct", run: execConvDirect}
	tacticConvIm2Col = &tactic{name: "im2col", run: execConvIm2Col, scratch: im2colScratch}

	tacticGemmDot  = &tactic{name: "dot", run: execGemmDot, prepare: prepareGemmWeights(true)}
	tacticGemmAxpy = &tactic{name: "axpy", run: execGemmAxpy, prepare: prepareGemmWeights(false)}
)

// candidateTactics returns the tactics that can execute the node. The first candidate never requires scratch space.
func candidateTactics(node *network.Node) []*tactic {
	switch node.Op {
	case network.OpConv:
		return []*tactic{tacticConvDirect, tacticConvIm2Col}
	case network.OpGemm:
		return []*tactic{tacticGemmDot, tacticGemmAxpy}
	case network.OpRelu:
		return []*tactic{tacticRelu}
	case network.OpClip:
		return []*tactic{tacticClip}
	case network.OpAdd:
		return []*tactic{tacticAdd}
	case network.OpGlobalAveragePool:
		return []*tactic{tacticGAP}
	case network.OpMaxPool:
		return []*tactic{tacticMaxPool}
	case network.OpSoftmax:
		return []*tactic{tacticSoftmax}
	case network.OpFlatten, network.OpIdentity:
		return []*tactic{tacticIdentity}
	}
	return nil
}

// im2colMinKernels is the minimum patch size (input channels per group times kernel area) for which
// the heuristic prefers im2col over direct convolution.
const im2colMinKernels = 16

// heuristicTactic picks a tactic without profiling, given the dimensions at the optimal shapes.
func heuristicTactic(node *network.Node, candidates []*tactic, inputDims [][]int) *tactic {
	switch node.Op {
	case network.OpConv:
		wDims := inputDims[1]
		if wDims[1]*wDims[2]*wDims[3] >= im2colMinKernels {
			return tacticConvIm2Col
		}
		return tacticConvDirect
	case network.OpGemm:
		// Accumulating rows of weights is faster when they stay in cache.
		wDims := inputDims[1]
		weightsBytes := 4 * wDims[0] * wDims[1]
		if cpuid.CPU.Cache.L2 > 0 && weightsBytes <= cpuid.CPU.Cache.L2 {
			return tacticGemmAxpy
		}
		return tacticGemmDot
	}
	return candidates[0]
}

// prepareGemmWeights returns a prepare function that lays out the weights as [m, k] if rowsPerOutput,
// or as [k, m] otherwise, taking into account the "transB" attribute of the node.
func prepareGemmWeights(rowsPerOutput bool) func(node *network.Node, weights []float32, weightDims []int) []float32 {
	return func(node *network.Node, weights []float32, weightDims []int) []float32 {
		transposed := node.Int("transB", 0) != 0 // weights are [m, k]
		if transposed == rowsPerOutput {
			return weights
		}
		return transpose2D(weights, weightDims[0], weightDims[1])
	}
}

// transpose2D returns a new [cols, rows] matrix.
func transpose2D(x []float32, rows, cols int) []float32 {
	y := make([]float32, len(x))
	for r := range rows {
		for c := range cols {
			y[c*rows+r] = x[r*cols+c]
		}
	}
	return y
}
