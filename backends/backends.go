// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the narrow device runtime interface the inference engine depends on:
// device memory, ordered streams with asynchronous host/device copies, memory information,
// capabilities and compilation of a network graph into an executable Plan (kernel and tactic selection).
//
// Backends register themselves by name (usually in their package init) and are selected with a
// configuration string "<backend_name>:<backend_configuration>", see New and NewWithConfig.
//
// To include the default backends, import:
//
//	import _ "github.com/gomlx/dynbatch/backends/default"
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// DeviceNum represents which device holds a buffer, or should execute a computation.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by a device runtime.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the pure Go device.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() DeviceNum

	// Capabilities returns the operators and dtypes supported by the backend.
	Capabilities() Capabilities

	// Compile the network graph described by request into a Plan for deviceNum.
	//
	// It blocks while candidate tactics are profiled, and it is not cancelable.
	// Compile doesn't hold any device memory after it returns: the workspace needed to execute
	// the plan is allocated by the caller, see Plan.WorkspaceSize.
	Compile(deviceNum DeviceNum, request *CompileRequest) (Plan, error)

	// DataInterface is the sub-interface that defines the API to manage device memory and streams.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the sorted names of the registered backends.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific (e.g.: "memory=2GiB,parallelism=4" for the "go" backend).
const ConfigEnvVar = "DYNBATCH_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment DYNBATCH_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific. If there is no ":" in config, it is taken as the
// backend name if one is registered under that name, otherwise as the configuration of the first
// registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the default ones with import _ "github.com/gomlx/dynbatch/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", backendName)
	}
	return backend, nil
}

// MustNew returns a new default Backend or panics if it fails.
//
// See New for details.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}
