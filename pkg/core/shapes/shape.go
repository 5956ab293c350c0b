// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and ShapeRange and associated tools.
//
// Shape represents the dtype and dimensions of a tensor, either concrete (all dimensions > 0)
// or a pattern where some axes are dynamic (DimDynamic), typically the leading batch axis of a
// network input.
//
// ShapeRange is the (min, opt, max) triple of concrete dimensions an engine is compiled for,
// for one dynamic input.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. We refer to an index as "axis" (plural axes), and its size as
//     its dimension.
//   - Dynamic axis: an axis whose dimension is not known at compile time, marked with DimDynamic.
//   - DType: the data type of the unit element of a tensor, from github.com/gomlx/gopjrt/dtypes.
//
// Example: `shapes.Make(dtypes.Float32, shapes.DimDynamic, 3, 224, 224)` is the pattern of an image
// batch input whose batch size is chosen at run time.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DimDynamic marks an axis whose dimension is only known at execution time.
const DimDynamic = -1

// Shape represents the shape of a tensor: its DType and Dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions must be > 0 or DimDynamic, it panics otherwise.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 && dim != DimDynamic {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension %d", s, dim)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// IsDynamic returns whether any of the axes is DimDynamic.
func (s Shape) IsDynamic() bool {
	return slices.Contains(s.Dimensions, DimDynamic)
}

// DynamicAxes returns the list of axes marked as DimDynamic.
func (s Shape) DynamicAxes() []int {
	var axes []int
	for axis, dim := range s.Dimensions {
		if dim == DimDynamic {
			axes = append(axes, axis)
		}
	}
	return axes
}

// String implements stringer, pretty-prints the shape. Dynamic axes are printed as "?".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%s", s.DType, DimsString(s.Dimensions))
}

// DimsString pretty-prints a list of dimensions, with DimDynamic axes printed as "?".
func DimsString(dims []int) string {
	parts := make([]string, len(dims))
	for ii, dim := range dims {
		if dim == DimDynamic {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
//
// It panics if the shape has dynamic axes.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		if d == DimDynamic {
			exceptions.Panicf("Shape.Size() of shape %s with dynamic axes is undefined", s)
		}
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDimensions returns a copy of the shape with the given dimensions, keeping the DType.
func (s Shape) WithDimensions(dims ...int) Shape {
	return Make(s.DType, dims...)
}

// Matches checks whether the concrete dimensions given are compatible with the pattern in s:
// same rank, and static axes equal. Dynamic axes of s accept any positive value.
func (s Shape) Matches(dims []int) error {
	if len(dims) != s.Rank() {
		return errors.Errorf("rank mismatch: shape %s has rank %d, got dimensions %v with rank %d",
			s, s.Rank(), dims, len(dims))
	}
	for axis, dim := range dims {
		if dim <= 0 {
			return errors.Errorf("axis %d has invalid dimension %d in %v", axis, dim, dims)
		}
		if s.Dimensions[axis] != DimDynamic && s.Dimensions[axis] != dim {
			return errors.Errorf("axis %d is static with dimension %d in %s, got %d", axis, s.Dimensions[axis], s, dim)
		}
	}
	return nil
}
