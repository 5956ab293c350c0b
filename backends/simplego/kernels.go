// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/dynbatch/internal/workerspool"
	"github.com/gomlx/dynbatch/pkg/core/network"
)

// kernelArgs are the arguments of one kernel invocation: operands are float32 slices sized exactly
// for the concrete dimensions of the execution.
type kernelArgs struct {
	node       *network.Node
	inputs     [][]float32
	inputDims  [][]int
	output     []float32
	outputDims []int

	// prepared holds weights rearranged at compile time by the tactic, if any.
	prepared []float32

	// scratch is the workspace reserved for the node, if the tactic requires it.
	scratch []float32

	pool *workerspool.Pool
}

// elementwiseMinChunk is the minimum number of elements per parallel chunk for cheap element-wise operations.
const elementwiseMinChunk = 1 << 14

func execIdentity(a *kernelArgs) {
	copy(a.output, a.inputs[0])
}

func execRelu(a *kernelArgs) {
	x, y := a.inputs[0], a.output
	a.pool.ParallelFor(len(y), elementwiseMinChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			y[ii] = max(x[ii], 0)
		}
	})
}

func execClip(a *kernelArgs) {
	lo, hi := a.node.ClipRange()
	x, y := a.inputs[0], a.output
	a.pool.ParallelFor(len(y), elementwiseMinChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			y[ii] = min(max(x[ii], lo), hi)
		}
	})
}

func execAdd(a *kernelArgs) {
	x0, x1, y := a.inputs[0], a.inputs[1], a.output
	a.pool.ParallelFor(len(y), elementwiseMinChunk, func(start, end int) {
		for ii := start; ii < end; ii++ {
			y[ii] = x0[ii] + x1[ii]
		}
	})
}

func execGlobalAveragePool(a *kernelArgs) {
	x, y := a.inputs[0], a.output
	dims := a.inputDims[0]
	planes, planeSize := dims[0]*dims[1], dims[2]*dims[3]
	scale := 1.0 / float32(planeSize)
	a.pool.ParallelFor(planes, 16, func(start, end int) {
		for plane := start; plane < end; plane++ {
			var sum float32
			for _, v := range x[plane*planeSize : (plane+1)*planeSize] {
				sum += v
			}
			y[plane] = sum * scale
		}
	})
}

func execMaxPool(a *kernelArgs) {
	p, _ := a.node.WindowParams(0, 0)
	x, y := a.inputs[0], a.output
	inH, inW := a.inputDims[0][2], a.inputDims[0][3]
	outH, outW := a.outputDims[2], a.outputDims[3]
	planes := a.outputDims[0] * a.outputDims[1]
	negInf := float32(math.Inf(-1))
	a.pool.ParallelFor(planes, 4, func(start, end int) {
		for plane := start; plane < end; plane++ {
			xPlane := x[plane*inH*inW : (plane+1)*inH*inW]
			yPlane := y[plane*outH*outW : (plane+1)*outH*outW]
			for oy := range outH {
				for ox := range outW {
					value := negInf
					for ky := range p.KernelH {
						iy := oy*p.StrideH - p.PadTop + ky
						if iy < 0 || iy >= inH {
							continue
						}
						for kx := range p.KernelW {
							ix := ox*p.StrideW - p.PadLeft + kx
							if ix < 0 || ix >= inW {
								continue
							}
							value = max(value, xPlane[iy*inW+ix])
						}
					}
					yPlane[oy*outW+ox] = value
				}
			}
		}
	})
}

// execSoftmax normalizes the last axis.
func execSoftmax(a *kernelArgs) {
	x, y := a.inputs[0], a.output
	dims := a.inputDims[0]
	cols := dims[len(dims)-1]
	rows := len(x) / cols
	a.pool.ParallelFor(rows, 1, func(start, end int) {
		for row := start; row < end; row++ {
			xRow, yRow := x[row*cols:(row+1)*cols], y[row*cols:(row+1)*cols]
			maxValue := xRow[0]
			for _, v := range xRow[1:] {
				maxValue = max(maxValue, v)
			}
			var sum float32
			for ii, v := range xRow {
				e := float32(math.Exp(float64(v - maxValue)))
				yRow[ii] = e
				sum += e
			}
			inv := 1 / sum
			for ii := range yRow {
				yRow[ii] *= inv
			}
		}
	})
}

// optionalBias returns the optional bias operand of a Gemm or Conv node, or nil.
func optionalBias(a *kernelArgs) []float32 {
	if len(a.inputs) > 2 {
		return a.inputs[2]
	}
	return nil
}

// gemmDimensions returns the dimensions of y[n, m] = x[n, k] . w.
func gemmDimensions(a *kernelArgs) (n, k, m int) {
	return a.inputDims[0][0], a.inputDims[0][1], a.outputDims[1]
}

// execGemmDot computes each output as a dot product of a row of x and a row of the weights,
// prepared in [m, k] layout.
func execGemmDot(a *kernelArgs) {
	n, k, m := gemmDimensions(a)
	x, wt, bias, y := a.inputs[0], a.prepared, optionalBias(a), a.output
	a.pool.ParallelFor(n*m, 256, func(start, end int) {
		for idx := start; idx < end; idx++ {
			row, col := idx/m, idx%m
			xRow, wRow := x[row*k:(row+1)*k], wt[col*k:(col+1)*k]
			var sum float32
			for ii, v := range xRow {
				sum += v * wRow[ii]
			}
			if bias != nil {
				sum += bias[col]
			}
			y[idx] = sum
		}
	})
}

// execGemmAxpy accumulates scaled rows of the weights, prepared in [k, m] layout, into each output row.
func execGemmAxpy(a *kernelArgs) {
	n, k, m := gemmDimensions(a)
	x, w, bias, y := a.inputs[0], a.prepared, optionalBias(a), a.output
	a.pool.ParallelFor(n, 1, func(start, end int) {
		for row := start; row < end; row++ {
			yRow := y[row*m : (row+1)*m]
			if bias != nil {
				copy(yRow, bias)
			} else {
				clear(yRow)
			}
			for kk, scale := range x[row*k : (row+1)*k] {
				if scale == 0 {
					continue
				}
				wRow := w[kk*m : (kk+1)*m]
				for ii, v := range wRow {
					yRow[ii] += scale * v
				}
			}
		}
	})
}

// convDimensions holds the resolved dimensions of a Conv execution.
type convDimensions struct {
	network.ConvParams
	batch, inChannels, inH, inW      int
	outChannels, outH, outW          int
	inPerGroup, outPerGroup, kernels int
}

func newConvDimensions(a *kernelArgs) convDimensions {
	wDims := a.inputDims[1]
	p, _ := a.node.WindowParams(wDims[2], wDims[3])
	d := convDimensions{ConvParams: p}
	d.batch, d.inChannels, d.inH, d.inW = a.inputDims[0][0], a.inputDims[0][1], a.inputDims[0][2], a.inputDims[0][3]
	d.outChannels, d.outH, d.outW = a.outputDims[1], a.outputDims[2], a.outputDims[3]
	d.inPerGroup = d.inChannels / p.Group
	d.outPerGroup = d.outChannels / p.Group
	d.kernels = d.inPerGroup * p.KernelH * p.KernelW
	return d
}

// execConvDirect computes each output plane by sliding the kernel over the input.
func execConvDirect(a *kernelArgs) {
	d := newConvDimensions(a)
	x, w, bias, y := a.inputs[0], a.inputs[1], optionalBias(a), a.output
	inPlane, outPlane := d.inH*d.inW, d.outH*d.outW
	a.pool.ParallelFor(d.batch*d.outChannels, 1, func(start, end int) {
		for idx := start; idx < end; idx++ {
			sample, co := idx/d.outChannels, idx%d.outChannels
			group := co / d.outPerGroup
			yPlane := y[idx*outPlane : (idx+1)*outPlane]
			var b float32
			if bias != nil {
				b = bias[co]
			}
			for oy := range d.outH {
				for ox := range d.outW {
					sum := b
					for ci := range d.inPerGroup {
						xPlane := x[(sample*d.inChannels+group*d.inPerGroup+ci)*inPlane:]
						wBase := (co*d.inPerGroup + ci) * d.KernelH * d.KernelW
						for ky := range d.KernelH {
							iy := oy*d.StrideH - d.PadTop + ky
							if iy < 0 || iy >= d.inH {
								continue
							}
							for kx := range d.KernelW {
								ix := ox*d.StrideW - d.PadLeft + kx
								if ix < 0 || ix >= d.inW {
									continue
								}
								sum += xPlane[iy*d.inW+ix] * w[wBase+ky*d.KernelW+kx]
							}
						}
					}
					yPlane[oy*d.outW+ox] = sum
				}
			}
		}
	})
}

// im2colScratch returns the number of scratch elements needed by execConvIm2Col.
func im2colScratch(inputDims [][]int, outputDims []int) int {
	wDims := inputDims[1]
	batch, kernels := inputDims[0][0], wDims[1]*wDims[2]*wDims[3]
	return batch * kernels * outputDims[2] * outputDims[3]
}

// execConvIm2Col rearranges the input patches of each sample and group into a [kernels, outH*outW]
// matrix in scratch, and then multiplies it by the weights.
func execConvIm2Col(a *kernelArgs) {
	d := newConvDimensions(a)
	x, w, bias, y := a.inputs[0], a.inputs[1], optionalBias(a), a.output
	inPlane, outPlane := d.inH*d.inW, d.outH*d.outW
	colSize := d.kernels * outPlane
	a.pool.ParallelFor(d.batch, 1, func(start, end int) {
		for sample := start; sample < end; sample++ {
			col := a.scratch[sample*colSize : (sample+1)*colSize]
			for group := range d.Group {
				// Build columns.
				for ci := range d.inPerGroup {
					xPlane := x[(sample*d.inChannels+group*d.inPerGroup+ci)*inPlane:]
					for ky := range d.KernelH {
						for kx := range d.KernelW {
							r := (ci*d.KernelH+ky)*d.KernelW + kx
							colRow := col[r*outPlane : (r+1)*outPlane]
							for oy := range d.outH {
								iy := oy*d.StrideH - d.PadTop + ky
								for ox := range d.outW {
									ix := ox*d.StrideW - d.PadLeft + kx
									if iy < 0 || iy >= d.inH || ix < 0 || ix >= d.inW {
										colRow[oy*d.outW+ox] = 0
									} else {
										colRow[oy*d.outW+ox] = xPlane[iy*d.inW+ix]
									}
								}
							}
						}
					}
				}
				// Multiply: y[co, :] = bias[co] + sum_r w[co, r] * col[r, :]
				for co := group * d.outPerGroup; co < (group+1)*d.outPerGroup; co++ {
					yPlane := y[(sample*d.outChannels+co)*outPlane : (sample*d.outChannels+co+1)*outPlane]
					if bias != nil {
						for ii := range yPlane {
							yPlane[ii] = bias[co]
						}
					} else {
						clear(yPlane)
					}
					wRow := w[co*d.kernels : (co+1)*d.kernels]
					for r, scale := range wRow {
						colRow := col[r*outPlane : (r+1)*outPlane]
						for ii, v := range colRow {
							yPlane[ii] += scale * v
						}
					}
				}
			}
		}
	})
}
