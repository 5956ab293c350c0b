// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build cuda

// The CUDA backend requires the CUDA toolkit and driver, so it's only included with the `cuda` tag.

package _default

import _ "github.com/gomlx/dynbatch/backends/cuda"
