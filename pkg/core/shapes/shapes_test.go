// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.False(t, shape1.IsScalar())
	require.False(t, shape1.IsDynamic())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, 2, shape1.Dim(-1))
	require.Panics(t, func() { _ = shape1.Dim(3) })

	require.Panics(t, func() { _ = Make(dtypes.Float32, 0, 3) })
	require.Panics(t, func() { _ = Make(dtypes.Float32, -2) })
}

func TestShapeDynamic(t *testing.T) {
	pattern := Make(dtypes.Float32, DimDynamic, 3, 224, 224)
	require.True(t, pattern.IsDynamic())
	require.Equal(t, []int{0}, pattern.DynamicAxes())
	require.Equal(t, "(Float32)[? 3 224 224]", pattern.String())
	require.Panics(t, func() { _ = pattern.Size() })

	require.NoError(t, pattern.Matches([]int{5, 3, 224, 224}))
	require.Error(t, pattern.Matches([]int{5, 3, 224}))
	require.Error(t, pattern.Matches([]int{5, 1, 224, 224}))
	require.Error(t, pattern.Matches([]int{0, 3, 224, 224}))
	err := pattern.Matches([]int{5, 1, 224, 224})
	var withStack interface{ StackTrace() errors.StackTrace }
	require.True(t, errors.As(err, &withStack), "error should carry a stack trace: %v", err)

	concrete := pattern.WithDimensions(5, 3, 224, 224)
	require.False(t, concrete.IsDynamic())
	require.Equal(t, 5*3*224*224, concrete.Size())
	require.True(t, concrete.Equal(Make(dtypes.Float32, 5, 3, 224, 224)))
	require.False(t, concrete.Equal(pattern))
}

func TestShapeRange(t *testing.T) {
	pattern := Make(dtypes.Float32, DimDynamic, 3, 224, 224)
	r := NewShapeRange([]int{1, 3, 224, 224}, []int{5, 3, 224, 224}, []int{10, 3, 224, 224})
	require.NoError(t, r.Validate())
	require.NoError(t, r.ValidateFor(pattern))
	require.Equal(t, []int{0}, r.VaryingAxes())

	for _, batch := range []int{1, 5, 10} {
		require.NoError(t, r.Contains([]int{batch, 3, 224, 224}), "batch=%d", batch)
	}
	for _, batch := range []int{0, 11, 12} {
		require.Error(t, r.Contains([]int{batch, 3, 224, 224}), "batch=%d", batch)
	}
	require.Error(t, r.Contains([]int{5, 3, 224}))

	tests := []struct {
		name string
		r    ShapeRange
	}{
		{"min_gt_opt", NewShapeRange([]int{6, 3}, []int{5, 3}, []int{10, 3})},
		{"opt_gt_max", NewShapeRange([]int{1, 3}, []int{11, 3}, []int{10, 3})},
		{"rank_mismatch", NewShapeRange([]int{1, 3}, []int{5}, []int{10, 3})},
		{"non_positive", NewShapeRange([]int{0, 3}, []int{5, 3}, []int{10, 3})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.r.Validate())
		})
	}

	// Static axis that varies is incompatible with the pattern.
	bad := NewShapeRange([]int{1, 3, 224, 224}, []int{5, 3, 224, 224}, []int{10, 3, 256, 224})
	require.NoError(t, bad.Validate())
	require.Error(t, bad.ValidateFor(pattern))

	// Clone is deep.
	c := r.Clone()
	c.Max[0] = 20
	require.Equal(t, 10, r.Max[0])
}
