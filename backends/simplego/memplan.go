// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"cmp"
	"slices"
)

// workspaceAlignment in bytes of every region of the workspace.
const workspaceAlignment = 64

// region of the workspace used by a tensor (or a kernel scratch space) while it is alive, that is,
// from the step that produces it (first) to the last step that reads it (last), inclusive.
type region struct {
	name        string
	size        uintptr
	first, last int

	// offset in bytes within the workspace, set by planWorkspace.
	offset uintptr
}

func (r *region) overlapsInTime(other *region) bool {
	return r.first <= other.last && other.first <= r.last
}

func alignUp(size uintptr) uintptr {
	return (size + workspaceAlignment - 1) / workspaceAlignment * workspaceAlignment
}

// planWorkspace assigns offsets to the regions such that regions alive at the same time don't overlap
// in memory, reusing the memory of dead tensors. It returns the total workspace size.
//
// Regions are placed largest first, each at the lowest offset that fits between the regions already
// placed that are alive at the same time.
func planWorkspace(regions []*region) (total uintptr) {
	sorted := slices.Clone(regions)
	slices.SortStableFunc(sorted, func(a, b *region) int {
		if c := cmp.Compare(b.size, a.size); c != 0 {
			return c
		}
		return cmp.Compare(a.first, b.first)
	})
	var placed, conflicts []*region
	for _, r := range sorted {
		size := alignUp(r.size)
		conflicts = conflicts[:0]
		for _, other := range placed {
			if r.overlapsInTime(other) {
				conflicts = append(conflicts, other)
			}
		}
		slices.SortFunc(conflicts, func(a, b *region) int { return cmp.Compare(a.offset, b.offset) })
		var offset uintptr
		for _, other := range conflicts {
			if offset+size <= other.offset {
				break
			}
			offset = max(offset, other.offset+alignUp(other.size))
		}
		r.offset = offset
		total = max(total, offset+size)
		placed = append(placed, r)
	}
	return total
}
