package mesh

import (
	"errors"
	"fmt"
)

// ErrSeedOutOfBounds is returned when a reachability seed falls outside the grid.
var ErrSeedOutOfBounds = errors.New("seed position outside grid bounds")

// ReachabilityMask marks the cells connected to a seed through free space.
// It has the same dimensions as the grid it was computed from.
type ReachabilityMask struct {
	Width  int
	Height int
	cells  []bool
}

// NewReachabilityMask returns an all-unreachable mask.
func NewReachabilityMask(width, height int) *ReachabilityMask {
	return &ReachabilityMask{Width: width, Height: height, cells: make([]bool, width*height)}
}

// Reachable reports whether c is reachable. Out-of-range cells are not.
func (m *ReachabilityMask) Reachable(c Cell) bool {
	if m == nil || c.Row < 0 || c.Row >= m.Height || c.Col < 0 || c.Col >= m.Width {
		return false
	}
	return m.cells[c.Row*m.Width+c.Col]
}

// Count returns the number of reachable cells.
func (m *ReachabilityMask) Count() int {
	n := 0
	for _, r := range m.cells {
		if r {
			n++
		}
	}
	return n
}

// Union returns a new mask reachable wherever either input is.
// Both masks must share dimensions.
func (m *ReachabilityMask) Union(other *ReachabilityMask) (*ReachabilityMask, error) {
	if other.Width != m.Width || other.Height != m.Height {
		return nil, fmt.Errorf("mask union: size mismatch %dx%d vs %dx%d", m.Width, m.Height, other.Width, other.Height)
	}
	out := NewReachabilityMask(m.Width, m.Height)
	for i := range out.cells {
		out.cells[i] = m.cells[i] || other.cells[i]
	}
	return out, nil
}

// ComputeReachability flood-fills grid from the cell containing seed,
// 8-connected, through FREE cells only. A seed outside the grid yields an
// all-unreachable mask together with ErrSeedOutOfBounds; callers treat that
// as a warning.
func ComputeReachability(grid *OccupancyGrid, seed Point) (*ReachabilityMask, error) {
	mask := NewReachabilityMask(grid.Width, grid.Height)
	start, ok := grid.WorldToCell(seed)
	if !ok {
		return mask, fmt.Errorf("%w: (%.2f, %.2f) maps to cell (%d, %d) of %dx%d",
			ErrSeedOutOfBounds, seed.X, seed.Y, start.Row, start.Col, grid.Width, grid.Height)
	}
	floodFill(grid, start, mask)
	return mask, nil
}

// floodFill marks cells on push, so every cell enters the stack at most once
// and the stack never outgrows the grid.
func floodFill(grid *OccupancyGrid, start Cell, mask *ReachabilityMask) {
	w := grid.Width
	idx := start.Row*w + start.Col
	if grid.Cells[idx] != CellFree {
		return
	}

	stack := make([]int, 0, len(grid.Cells))
	mask.cells[idx] = true
	stack = append(stack, idx)

	for len(stack) > 0 {
		idx = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		row, col := idx/w, idx%w

		for dr := -1; dr <= 1; dr++ {
			for dc := -1; dc <= 1; dc++ {
				if dr == 0 && dc == 0 {
					continue
				}
				r, c := row+dr, col+dc
				if r < 0 || r >= grid.Height || c < 0 || c >= w {
					continue
				}
				n := r*w + c
				if mask.cells[n] || grid.Cells[n] != CellFree {
					continue
				}
				mask.cells[n] = true
				stack = append(stack, n)
			}
		}
	}
}
