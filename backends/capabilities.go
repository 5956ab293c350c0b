// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"

	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrNotSupported is wrapped by errors caused by an operator or dtype not supported by a backend.
var ErrNotSupported = errors.New("not supported by backend")

// Capabilities holds mappings of what is supported by a backend.
type Capabilities struct {
	// Operations supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[network.OpType]bool

	// DTypes list the data types supported for inputs and outputs (bindings).
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool

	// WeightDTypes list the data types supported for initializers (weights).
	WeightDTypes map[dtypes.DType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = make(map[network.OpType]bool, len(c.Operations))
	maps.Copy(c2.Operations, c.Operations)
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	c2.WeightDTypes = make(map[dtypes.DType]bool, len(c.WeightDTypes))
	maps.Copy(c2.WeightDTypes, c.WeightDTypes)
	return c2
}

// Check returns an error wrapping ErrNotSupported if the graph uses an operator or dtype not
// listed in the capabilities.
func (c Capabilities) Check(g *network.Graph) error {
	for _, node := range g.Nodes() {
		if !c.Operations[node.Op] {
			return errors.Wrapf(ErrNotSupported, "node %q uses operator %q", node.Name, node.Op)
		}
	}
	for _, t := range g.Tensors() {
		switch t.Kind {
		case network.Input:
			if !c.DTypes[t.Shape.DType] {
				return errors.Wrapf(ErrNotSupported, "input %q has dtype %s", t.Name, t.Shape.DType)
			}
		case network.Initializer:
			if !c.WeightDTypes[t.Shape.DType] {
				return errors.Wrapf(ErrNotSupported, "initializer %q has dtype %s", t.Name, t.Shape.DType)
			}
		}
	}
	return nil
}
