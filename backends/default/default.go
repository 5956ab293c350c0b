// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely the pure Go device and, if built with the
// `cuda` tag, the CUDA device.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/dynbatch/backends/default"
package _default

import (
	_ "github.com/gomlx/dynbatch/backends/simplego"
)
