// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build cuda

// Package cuda implements a backends.Backend for NVIDIA GPUs using gorgonia.org/cu.
//
// Device memory, contexts and copies go through the CUDA driver. The compiled plans are the ones of
// the "go" backend (package simplego): executions stage the device buffers through host memory.
//
// Build with the `cuda` tag to include it.
package cuda

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/backends/simplego"
	"github.com/pkg/errors"
	"gorgonia.org/cu"
	"k8s.io/klog/v2"
)

// BackendName to be used in DYNBATCH_BACKEND to specify this backend.
const BackendName = "cuda"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) { return New(config) })
}

// device is one CUDA device with its context.
//
// CUDA contexts are bound to OS threads, so every driver call for the device is executed by one
// goroutine locked to its thread, see device.do.
type device struct {
	num   backends.DeviceNum
	name  string
	total uintptr
	ctx   cu.CUContext
	calls chan func()
	done  chan struct{}
}

// Backend implements backends.Backend for CUDA devices.
type Backend struct {
	host    *simplego.Backend
	devices []*device

	mu        sync.Mutex
	used      []uintptr
	finalized bool
}

// Compile-time check:
var _ backends.Backend = (*Backend)(nil)

// New creates the CUDA backend, with one context per visible device.
// The config is passed along to the host backend used to compile and run plans, see simplego.New.
func New(config string) (*Backend, error) {
	host, err := simplego.New(config)
	if err != nil {
		return nil, err
	}
	numDevices, err := cu.NumDevices()
	if err != nil {
		host.Finalize()
		return nil, errors.Wrapf(err, "backend %q: listing devices", BackendName)
	}
	if numDevices == 0 {
		host.Finalize()
		return nil, errors.Errorf("backend %q: no CUDA devices found", BackendName)
	}
	b := &Backend{host: host, used: make([]uintptr, numDevices)}
	for ii := range numDevices {
		dev, err := newDevice(backends.DeviceNum(ii))
		if err != nil {
			b.Finalize()
			return nil, err
		}
		b.devices = append(b.devices, dev)
	}
	klog.V(1).Infof("backend %q: %d devices", BackendName, numDevices)
	return b, nil
}

func newDevice(deviceNum backends.DeviceNum) (*device, error) {
	cuDevice, err := cu.GetDevice(int(deviceNum))
	if err != nil {
		return nil, errors.Wrapf(err, "backend %q: device #%d", BackendName, deviceNum)
	}
	name, err := cuDevice.Name()
	if err != nil {
		return nil, errors.Wrapf(err, "backend %q: device #%d name", BackendName, deviceNum)
	}
	total, err := cuDevice.TotalMem()
	if err != nil {
		return nil, errors.Wrapf(err, "backend %q: device #%d memory", BackendName, deviceNum)
	}
	dev := &device{
		num:   deviceNum,
		name:  name,
		total: uintptr(total),
		calls: make(chan func()),
		done:  make(chan struct{}),
	}
	started := make(chan error)
	go dev.serve(cuDevice, started)
	if err := <-started; err != nil {
		return nil, err
	}
	return dev, nil
}

// serve creates the context of the device and executes driver calls until calls is closed.
func (dev *device) serve(cuDevice cu.Device, started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(dev.done)
	ctx, err := cuDevice.MakeContext(cu.SchedAuto)
	if err != nil {
		started <- errors.Wrapf(err, "backend %q: creating context for device #%d", BackendName, dev.num)
		return
	}
	if err = ctx.Lock(); err != nil {
		started <- errors.Wrapf(err, "backend %q: locking context of device #%d", BackendName, dev.num)
		return
	}
	dev.ctx = ctx
	started <- nil
	for call := range dev.calls {
		call()
	}
	_ = ctx.Unlock()
	_ = ctx.Destroy()
}

// do executes fn with the device context current, and returns its error.
func (dev *device) do(fn func() error) error {
	var err error
	finished := make(chan struct{})
	dev.calls <- func() {
		err = fn()
		close(finished)
	}
	<-finished
	return err
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description lists the devices.
func (b *Backend) Description() string {
	var parts []string
	for _, dev := range b.devices {
		parts = append(parts, fmt.Sprintf("#%d %s (%s)", dev.num, dev.name, humanize.IBytes(uint64(dev.total))))
	}
	return fmt.Sprintf("CUDA devices: %s", strings.Join(parts, ", "))
}

// NumDevices returns the number of CUDA devices.
func (b *Backend) NumDevices() backends.DeviceNum { return backends.DeviceNum(len(b.devices)) }

// Capabilities are those of the host kernels.
func (b *Backend) Capabilities() backends.Capabilities { return b.host.Capabilities() }

// Finalize destroys the contexts of all devices. Buffers and streams must not be used afterwards.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	b.mu.Unlock()
	for _, dev := range b.devices {
		close(dev.calls)
		<-dev.done
	}
	b.host.Finalize()
}

func (b *Backend) device(deviceNum backends.DeviceNum) (*device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errors.Errorf("backend %q: already finalized", BackendName)
	}
	if deviceNum < 0 || int(deviceNum) >= len(b.devices) {
		return nil, errors.Errorf("backend %q: invalid device #%d, only %d devices available",
			BackendName, deviceNum, len(b.devices))
	}
	return b.devices[deviceNum], nil
}
