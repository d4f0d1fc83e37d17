package mesh

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
)

var (
	// ErrNoData is returned when a grid or pose is requested before one arrived.
	ErrNoData = errors.New("no data received")
	// ErrInvalidGrid is returned for grids with inconsistent geometry.
	ErrInvalidGrid = errors.New("invalid occupancy grid")
)

// OccupancyGrid is an immutable snapshot of one map update. Cells are stored
// row-major; row r and column c cover the world square starting at
// Origin + (c, r) * Resolution.
type OccupancyGrid struct {
	AgentID    string
	Frame      string
	Width      int
	Height     int
	Resolution float64
	Origin     Point
	Cells      []CellState
	Stamp      time.Time
}

// NewOccupancyGrid validates the geometry and wraps the cell data.
// The cells slice is owned by the grid afterwards.
func NewOccupancyGrid(width, height int, resolution float64, origin Point, cells []CellState) (*OccupancyGrid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidGrid, width, height)
	}
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return nil, fmt.Errorf("%w: resolution %v", ErrInvalidGrid, resolution)
	}
	if len(cells) != width*height {
		return nil, fmt.Errorf("%w: %d cells for %dx%d grid", ErrInvalidGrid, len(cells), width, height)
	}
	return &OccupancyGrid{
		Width:      width,
		Height:     height,
		Resolution: resolution,
		Origin:     origin,
		Cells:      cells,
	}, nil
}

// NewUniformGrid returns a grid with every cell set to state.
func NewUniformGrid(width, height int, resolution float64, origin Point, state CellState) (*OccupancyGrid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidGrid, width, height)
	}
	cells := make([]CellState, width*height)
	for i := range cells {
		cells[i] = state
	}
	return NewOccupancyGrid(width, height, resolution, origin, cells)
}

// GridFromMessage converts a wire message, normalizing cell values.
func GridFromMessage(agentID string, msg *GridMessage) (*OccupancyGrid, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidGrid)
	}
	cells := make([]CellState, len(msg.Data))
	for i, v := range msg.Data {
		cells[i] = CellStateFromValue(int(v))
	}
	g, err := NewOccupancyGrid(msg.Info.Width, msg.Info.Height, msg.Info.Resolution, msg.Info.Origin, cells)
	if err != nil {
		return nil, err
	}
	g.AgentID = agentID
	g.Frame = msg.Header.FrameID
	if msg.Header.Stamp > 0 {
		g.Stamp = StampToTime(msg.Header.Stamp)
	}
	return g, nil
}

// ToMessage converts the grid to its wire form.
func (g *OccupancyGrid) ToMessage() *GridMessage {
	data := make([]int8, len(g.Cells))
	for i, c := range g.Cells {
		data[i] = int8(c)
	}
	return &GridMessage{
		Header: MessageHeader{FrameID: g.Frame, Stamp: TimeToStamp(g.Stamp)},
		Info: GridInfo{
			Resolution: g.Resolution,
			Width:      g.Width,
			Height:     g.Height,
			Origin:     g.Origin,
		},
		Data: data,
	}
}

// InBounds reports whether c indexes a cell of the grid.
func (g *OccupancyGrid) InBounds(c Cell) bool {
	return c.Row >= 0 && c.Row < g.Height && c.Col >= 0 && c.Col < g.Width
}

// At returns the state of cell c. Out-of-range cells read as unknown.
func (g *OccupancyGrid) At(c Cell) CellState {
	if !g.InBounds(c) {
		return CellUnknown
	}
	return g.Cells[c.Row*g.Width+c.Col]
}

// WorldToCell maps a world position to the cell containing it.
// The second result is false when the position lies outside the grid.
func (g *OccupancyGrid) WorldToCell(p Point) (Cell, bool) {
	c := Cell{
		Col: int(math.Floor((p.X - g.Origin.X) / g.Resolution)),
		Row: int(math.Floor((p.Y - g.Origin.Y) / g.Resolution)),
	}
	return c, g.InBounds(c)
}

// CellToWorld returns the world position of the centre of c.
func (g *OccupancyGrid) CellToWorld(c Cell) Point {
	return Point{
		X: g.Origin.X + (float64(c.Col)+0.5)*g.Resolution,
		Y: g.Origin.Y + (float64(c.Row)+0.5)*g.Resolution,
	}
}

// Bound returns the world-space extent of the grid.
func (g *OccupancyGrid) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{g.Origin.X, g.Origin.Y},
		Max: orb.Point{
			g.Origin.X + float64(g.Width)*g.Resolution,
			g.Origin.Y + float64(g.Height)*g.Resolution,
		},
	}
}

// Count returns how many cells are in the given state.
func (g *OccupancyGrid) Count(state CellState) int {
	n := 0
	for _, c := range g.Cells {
		if c == state {
			n++
		}
	}
	return n
}

// StampToTime converts wire seconds to a time.Time.
func StampToTime(stamp float64) time.Time {
	sec, frac := math.Modf(stamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// TimeToStamp converts a time.Time to wire seconds. The zero time maps to 0.
func TimeToStamp(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
