package mesh

// Frontier search defaults.
const (
	DefaultMinUnknownCells  = 15
	DefaultMaxOccupiedCells = 2

	// frontierBorder keeps the 5x5 sampling window inside the grid.
	frontierBorder = 2
)

// FrontierParams tunes the frontier predicate.
type FrontierParams struct {
	// MinUnknownCells is the least number of unknown cells required in the
	// 5x5 window around a candidate. Filters single-pixel noise.
	MinUnknownCells int
	// MaxOccupiedCells caps occupied cells in the same window so frontiers
	// hugging obstacles are ignored.
	MaxOccupiedCells int
}

// DefaultFrontierParams returns the standard thresholds.
func DefaultFrontierParams() FrontierParams {
	return FrontierParams{
		MinUnknownCells:  DefaultMinUnknownCells,
		MaxOccupiedCells: DefaultMaxOccupiedCells,
	}
}

// FindFrontiers returns every interior FREE cell that borders unknown space
// and passes the density thresholds. When mask is non-nil only reachable
// cells qualify. Cells are returned in row-major scan order.
func FindFrontiers(grid *OccupancyGrid, mask *ReachabilityMask, params FrontierParams) []Cell {
	var frontiers []Cell
	for row := frontierBorder; row < grid.Height-frontierBorder; row++ {
		for col := frontierBorder; col < grid.Width-frontierBorder; col++ {
			c := Cell{Row: row, Col: col}
			if grid.Cells[row*grid.Width+col] != CellFree {
				continue
			}
			if mask != nil && !mask.Reachable(c) {
				continue
			}
			if !isFrontier(grid, c, params) {
				continue
			}
			frontiers = append(frontiers, c)
		}
	}
	return frontiers
}

func isFrontier(grid *OccupancyGrid, c Cell, params FrontierParams) bool {
	if countInWindow(grid, c, 1, CellUnknown) == 0 {
		return false
	}
	if countInWindow(grid, c, 2, CellUnknown) < params.MinUnknownCells {
		return false
	}
	return countInWindow(grid, c, 2, CellOccupied) <= params.MaxOccupiedCells
}

// countInWindow counts cells in state within the (2r+1)x(2r+1) window
// centred on c. The caller guarantees the window is inside the grid.
func countInWindow(grid *OccupancyGrid, c Cell, r int, state CellState) int {
	n := 0
	for row := c.Row - r; row <= c.Row+r; row++ {
		base := row * grid.Width
		for col := c.Col - r; col <= c.Col+r; col++ {
			if grid.Cells[base+col] == state {
				n++
			}
		}
	}
	return n
}
