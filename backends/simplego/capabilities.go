// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/dynbatch/backends"
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/gopjrt/dtypes"
)

// Capabilities of the SimpleGo backends: the set of supported operations and data types.
var Capabilities = backends.Capabilities{
	Operations: map[network.OpType]bool{
		network.OpConv:              true,
		network.OpGemm:              true,
		network.OpRelu:              true,
		network.OpClip:              true,
		network.OpAdd:               true,
		network.OpGlobalAveragePool: true,
		network.OpMaxPool:           true,
		network.OpFlatten:           true,
		network.OpSoftmax:           true,
		network.OpIdentity:          true,
	},

	// Computation is done in float32.
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
	},

	// Float16 weights are converted to float32 during compilation.
	WeightDTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float16: true,
	},
}
