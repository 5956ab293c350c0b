// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build cuda

package cuda

import (
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/backends/simplego"
	"github.com/pkg/errors"
)

// Plan executes a host plan on device buffers, staging them through host memory.
type Plan struct {
	*simplego.Plan
	dev *device
}

// Compile-time check:
var _ backends.Plan = (*Plan)(nil)

// Compile the graph with the host kernels, for execution with buffers of deviceNum.
func (b *Backend) Compile(deviceNum backends.DeviceNum, request *backends.CompileRequest) (backends.Plan, error) {
	dev, err := b.device(deviceNum)
	if err != nil {
		return nil, err
	}
	hostPlan, err := b.host.Compile(0, request)
	if err != nil {
		return nil, err
	}
	return &Plan{Plan: hostPlan.(*simplego.Plan), dev: dev}, nil
}

// Enqueue implements backends.Plan.
func (p *Plan) Enqueue(backendStream backends.Stream, workspace backends.Buffer, inputDims [][]int,
	inputs, outputs []backends.Buffer) error {
	stream, ok := backendStream.(*Stream)
	if !ok {
		return errors.Errorf("stream (%T) is not a %q backend stream", backendStream, BackendName)
	}
	dims, err := p.Dimensions(inputDims)
	if err != nil {
		return err
	}
	var wsBuf *Buffer
	if workspace != nil || p.WorkspaceSize() > 0 {
		if wsBuf, err = toBuffer(workspace); err != nil {
			return errors.WithMessage(err, "workspace")
		}
		if wsBuf.size < p.WorkspaceSize() {
			return errors.Errorf("workspace has %d bytes, plan requires %d", wsBuf.size, p.WorkspaceSize())
		}
	}
	graph := p.Graph()
	inBufs, err := p.bindingBuffers(graph.Inputs(), inputs, dims)
	if err != nil {
		return err
	}
	outBufs, err := p.bindingBuffers(graph.Outputs(), outputs, dims)
	if err != nil {
		return err
	}
	return stream.queue.Enqueue(func() error {
		var wsHost []float32
		if wsBuf != nil {
			if wsBuf.staging == nil {
				wsBuf.staging = make([]float32, wsBuf.size/4)
			}
			wsHost = wsBuf.staging
		}
		inHost := make([][]float32, len(inBufs))
		for ii, buf := range inBufs {
			inHost[ii] = make([]float32, numElements(dims[graph.Inputs()[ii]]))
			if err := buf.copyFromDevice(float32Bytes(inHost[ii])); err != nil {
				return errors.WithMessagef(err, "staging input %q", graph.Inputs()[ii])
			}
		}
		outHost := make([][]float32, len(outBufs))
		for ii := range outBufs {
			outHost[ii] = make([]float32, numElements(dims[graph.Outputs()[ii]]))
		}
		if err := p.ExecuteHost(dims, wsHost, inHost, outHost); err != nil {
			return err
		}
		for ii, buf := range outBufs {
			if err := buf.copyToDevice(float32Bytes(outHost[ii])); err != nil {
				return errors.WithMessagef(err, "output %q", graph.Outputs()[ii])
			}
		}
		return nil
	})
}

func (p *Plan) bindingBuffers(names []string, buffers []backends.Buffer, dims map[string][]int) ([]*Buffer, error) {
	if len(buffers) != len(names) {
		return nil, errors.Errorf("plan takes %d buffers for %q, got %d", len(names), names, len(buffers))
	}
	bufs := make([]*Buffer, len(buffers))
	for ii, buffer := range buffers {
		buf, err := toBuffer(buffer)
		if err != nil {
			return nil, errors.WithMessagef(err, "binding %q", names[ii])
		}
		if buf.dev != p.dev {
			return nil, errors.Errorf("binding %q in device #%d, plan compiled for device #%d", names[ii], buf.dev.num, p.dev.num)
		}
		if required := uintptr(4 * numElements(dims[names[ii]])); buf.size < required {
			return nil, errors.Errorf("binding %q requires %d bytes for dimensions %v, buffer has %d bytes",
				names[ii], required, dims[names[ii]], buf.size)
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
