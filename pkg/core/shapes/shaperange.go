// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// ShapeRange holds the (min, opt, max) dimensions a compiled engine supports for one dynamic input.
//
// All three must have the same rank, and for every axis min <= opt <= max. Static axes have
// min == opt == max.
type ShapeRange struct {
	Min, Opt, Max []int
}

// NewShapeRange returns a ShapeRange with copies of the given dimensions.
func NewShapeRange(minDims, optDims, maxDims []int) ShapeRange {
	return ShapeRange{Min: slices.Clone(minDims), Opt: slices.Clone(optDims), Max: slices.Clone(maxDims)}
}

// Rank of the range, or -1 if min, opt and max disagree.
func (r ShapeRange) Rank() int {
	if len(r.Min) != len(r.Opt) || len(r.Opt) != len(r.Max) {
		return -1
	}
	return len(r.Min)
}

// Validate checks the ordering invariant min <= opt <= max on every axis, and that all dimensions are positive.
func (r ShapeRange) Validate() error {
	if r.Rank() < 0 {
		return errors.Errorf("shape range %s: min, opt and max have different ranks", r)
	}
	for axis := range r.Min {
		lo, opt, hi := r.Min[axis], r.Opt[axis], r.Max[axis]
		if lo <= 0 || opt <= 0 || hi <= 0 {
			return errors.Errorf("shape range %s: axis %d has non-positive dimensions", r, axis)
		}
		if lo > opt {
			return errors.Errorf("shape range %s: axis %d has min %d > opt %d", r, axis, lo, opt)
		}
		if opt > hi {
			return errors.Errorf("shape range %s: axis %d has opt %d > max %d", r, axis, opt, hi)
		}
	}
	return nil
}

// ValidateFor checks the range is valid (see Validate) and that it is compatible with the given
// input pattern: same rank, static axes of the pattern fixed to the same value in min, opt and max.
func (r ShapeRange) ValidateFor(pattern Shape) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Rank() != pattern.Rank() {
		return errors.Errorf("shape range %s has rank %d, but input %s has rank %d", r, r.Rank(), pattern, pattern.Rank())
	}
	for axis, dim := range pattern.Dimensions {
		if dim == DimDynamic {
			continue
		}
		if r.Min[axis] != dim || r.Opt[axis] != dim || r.Max[axis] != dim {
			return errors.Errorf("shape range %s: axis %d is static with dimension %d in input %s",
				r, axis, dim, pattern)
		}
	}
	return nil
}

// Contains returns nil if dims is within the range (min <= dims <= max on every axis), or an
// error describing the first violation.
func (r ShapeRange) Contains(dims []int) error {
	if len(dims) != r.Rank() {
		return errors.Errorf("dimensions %v have rank %d, range %s has rank %d", dims, len(dims), r, r.Rank())
	}
	for axis, dim := range dims {
		if dim < r.Min[axis] || dim > r.Max[axis] {
			return errors.Errorf("dimensions %v: axis %d dimension %d is outside of [%d, %d]",
				dims, axis, dim, r.Min[axis], r.Max[axis])
		}
	}
	return nil
}

// VaryingAxes returns the axes where min != max.
func (r ShapeRange) VaryingAxes() []int {
	var axes []int
	for axis := range r.Min {
		if r.Min[axis] != r.Max[axis] {
			axes = append(axes, axis)
		}
	}
	return axes
}

// Clone returns a deep copy of the range.
func (r ShapeRange) Clone() ShapeRange {
	return NewShapeRange(r.Min, r.Opt, r.Max)
}

// String implements fmt.Stringer.
func (r ShapeRange) String() string {
	return fmt.Sprintf("{min=%v, opt=%v, max=%v}", r.Min, r.Opt, r.Max)
}
