// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable device for the
// inference engine, in pure Go.
//
// Device memory is host memory with accounting against a configurable capacity, streams are
// ordered queues served by one goroutine each, and kernels are float32 implementations of the
// supported operators, parallelized with a pool of workers.
//
// The configuration string is a comma separated list of options:
//
//   - "memory=<size>": capacity of the device memory, e.g.: "memory=512MiB". Default is 4GiB.
//   - "parallelism=<n>": maximum number of workers used by kernels. 0 disables parallelism.
//     Default is the number of CPUs.
package simplego

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/internal/workerspool"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in DYNBATCH_BACKEND to specify this backend.
const BackendName = "go"

// DefaultMemory is the default capacity of the device memory.
const DefaultMemory = 4 << 30

// Registers New() as the default constructor for "go" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// New constructs a new SimpleGo Backend with the given configuration, see package documentation.
func New(config string) (*Backend, error) {
	b := &Backend{capacity: DefaultMemory}
	parallelism := -1
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "memory":
			capacity, err := humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "backend %q: invalid memory option %q", BackendName, value)
			}
			b.capacity = uintptr(capacity)
		case "parallelism":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, errors.Errorf("backend %q: invalid parallelism option %q", BackendName, value)
			}
			parallelism = n
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q in %q", BackendName, option, config)
		}
	}
	b.workers = workerspool.New(parallelism)
	klog.V(1).Infof("backend %q: memory=%s, parallelism=%d", BackendName,
		humanize.IBytes(uint64(b.capacity)), b.workers.MaxParallelism())
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	workers *workerspool.Pool

	mu        sync.Mutex
	capacity  uintptr
	used      uintptr
	finalized bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implement fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	features := "generic"
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		features = "AVX512"
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		features = "AVX2+FMA"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		features = "NEON"
	}
	return fmt.Sprintf("Pure Go device on %s (%d logical cores, %s, %d workers, %s memory)",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, features, b.workers.MaxParallelism(),
		humanize.IBytes(uint64(b.capacity)))
}

// NumDevices return the number of devices available for this Backend.
func (b *Backend) NumDevices() backends.DeviceNum {
	return 1
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// Workers returns the pool of workers used by kernels.
func (b *Backend) Workers() *workerspool.Pool {
	return b.workers
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used > 0 {
		klog.Warningf("backend %q finalized with %s still allocated", BackendName, humanize.IBytes(uint64(b.used)))
	}
	b.finalized = true
}

func (b *Backend) checkDevice(deviceNum backends.DeviceNum) error {
	if deviceNum != 0 {
		return errors.Errorf("backend %q only supports deviceNum 0, got deviceNum %d", BackendName, deviceNum)
	}
	return nil
}
