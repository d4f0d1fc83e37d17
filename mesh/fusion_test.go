package mesh

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fusionEngine(confidence float64, opts ...FusionOption) *FusionEngine {
	p := DefaultParams()
	p.ConfidenceThreshold = confidence
	return NewFusionEngine(NewParamStore(p), opts...)
}

func texturedGrid(t *testing.T, agent string, origin Point) *OccupancyGrid {
	t.Helper()
	g, err := ImageToGrid(texturedImage(128, 128, 0, 0, 7), 0.05, origin)
	require.NoError(t, err)
	g.AgentID = agent
	g.Frame = MapFrame(agent)
	return g
}

func TestFuse_NilGrid(t *testing.T) {
	f := fusionEngine(DefaultConfidenceThreshold)
	_, err := f.Fuse(nil, uniformGrid(t, 5, 5, CellFree))
	assert.True(t, errors.Is(err, ErrNoData))
	_, err = f.Fuse(uniformGrid(t, 5, 5, CellFree), nil)
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestFuse_StackedFallback(t *testing.T) {
	clock := NewSimClock(time.Unix(42, 0))
	f := fusionEngine(DefaultConfidenceThreshold, WithFusionClock(clock), WithMergedFrame("map"))

	g1 := uniformGrid(t, 20, 10, CellUnknown)
	g1.AgentID = "robot_1"
	g1.Origin = Point{X: -1, Y: -2}
	g1.Cells[0] = CellOccupied
	g2 := uniformGrid(t, 30, 5, CellUnknown)
	g2.AgentID = "robot_2"
	g2.Origin = Point{X: 0.5, Y: 0}
	g2.Cells[0] = CellFree

	result, err := f.Fuse(g1, g2)
	require.NoError(t, err)

	assert.Equal(t, LayoutStacked, result.Layout)
	_, failed := result.Registration.(RegistrationFailed)
	assert.True(t, failed)
	assert.Equal(t, [2]string{"robot_1", "robot_2"}, result.Agents)

	merged := result.Merged
	// One metre gap at 0.1 resolution is ten rows.
	assert.Equal(t, 30, merged.Width)
	assert.Equal(t, 10+10+5, merged.Height)
	assert.Equal(t, "map", merged.Frame)
	assert.Equal(t, Point{}, merged.Origin)
	assert.True(t, merged.Stamp.Equal(clock.Now()))
	assert.Equal(t, CellOccupied, merged.At(Cell{Row: 0, Col: 0}))
	assert.Equal(t, CellFree, merged.At(Cell{Row: 20, Col: 0}))
	assert.Equal(t, CellUnknown, merged.At(Cell{Row: 12, Col: 0}))
	assert.Equal(t, merged.Width*merged.Height-2, merged.Count(CellUnknown))

	p1 := result.Placements["robot_1"]
	assert.InDelta(t, 1.0, p1.X, 1e-9)
	assert.InDelta(t, 2.0, p1.Y, 1e-9)
	p2 := result.Placements["robot_2"]
	assert.InDelta(t, -0.5, p2.X, 1e-9)
	assert.InDelta(t, 2.0, p2.Y, 1e-9)
	assert.Zero(t, p2.Yaw)
}

func TestFuse_CustomGap(t *testing.T) {
	f := fusionEngine(DefaultConfidenceThreshold, WithFallbackGap(0.5))
	result, err := f.Fuse(uniformGrid(t, 8, 8, CellUnknown), uniformGrid(t, 8, 4, CellUnknown))
	require.NoError(t, err)
	assert.Equal(t, 8+5+4, result.Merged.Height)
}

func TestFuse_AlignedIdenticalMaps(t *testing.T) {
	f := fusionEngine(2)
	g1 := texturedGrid(t, "robot_1", Point{X: -3, Y: -3})
	g2 := texturedGrid(t, "robot_2", Point{X: -3, Y: -3})

	result, err := f.Fuse(g1, g2)
	require.NoError(t, err)
	require.Equal(t, LayoutAligned, result.Layout, "registration: %+v", result.Registration)

	assert.Equal(t, g1.Width, result.Merged.Width)
	assert.Equal(t, g1.Height, result.Merged.Height)
	assert.Equal(t, g1.Cells, result.Merged.Cells)
	assert.Equal(t, DefaultGlobalFrame, result.Merged.Frame)
	p1, p2 := result.Placements["robot_1"], result.Placements["robot_2"]
	assert.InDelta(t, 3.0, p1.X, 1e-9)
	assert.InDelta(t, p1.X, p2.X, 1e-6)
	assert.InDelta(t, p1.Y, p2.Y, 1e-6)
	assert.InDelta(t, 0, p2.Yaw, 1e-9)
}

// obstacleGrid is a free w x h grid at 0.1 resolution scattered with n
// occupied rectangles.
func obstacleGrid(t *testing.T, w, h, n int, seed int64) *OccupancyGrid {
	t.Helper()
	g := uniformGrid(t, w, h, CellFree)
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		r0 := 20 + rng.Intn(h-40)
		c0 := 20 + rng.Intn(w-40)
		fillCells(g, r0, c0, min(r0+3+rng.Intn(12), h-1), min(c0+3+rng.Intn(12), w-1), CellOccupied)
	}
	return g
}

// cropGrid drops the first rows and cols of g, keeping the origin at zero.
func cropGrid(t *testing.T, g *OccupancyGrid, rows, cols int) *OccupancyGrid {
	t.Helper()
	out := uniformGrid(t, g.Width-cols, g.Height-rows, CellUnknown)
	for r := 0; r < out.Height; r++ {
		copy(out.Cells[r*out.Width:(r+1)*out.Width], g.Cells[(r+rows)*g.Width+cols:(r+rows+1)*g.Width])
	}
	return out
}

func countDifferent(a, b []CellState) int {
	n := 0
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}

func TestFuse_DefaultThresholdIdenticalMaps(t *testing.T) {
	f := fusionEngine(DefaultConfidenceThreshold)
	g1 := obstacleGrid(t, 200, 200, 80, 1234)
	g1.AgentID = "robot_1"
	g2 := obstacleGrid(t, 200, 200, 80, 1234)
	g2.AgentID = "robot_2"

	result, err := f.Fuse(g1, g2)
	require.NoError(t, err)
	require.Equal(t, LayoutAligned, result.Layout, "registration: %+v", result.Registration)
	assert.GreaterOrEqual(t, float64(result.Registration.MatchConfidence()), DefaultConfidenceThreshold)

	assert.Equal(t, g1.Width, result.Merged.Width)
	assert.Equal(t, g1.Height, result.Merged.Height)
	assert.Equal(t, g1.Cells, result.Merged.Cells)

	p2 := result.Placements["robot_2"]
	assert.InDelta(t, 0, p2.X, 1e-3)
	assert.InDelta(t, 0, p2.Y, 1e-3)
	assert.InDelta(t, 0, p2.Yaw, 1e-6)
}

func TestFuse_DefaultThresholdRecoversCropOffset(t *testing.T) {
	f := fusionEngine(DefaultConfidenceThreshold)
	g1 := obstacleGrid(t, 200, 200, 80, 1234)
	g1.AgentID = "robot_1"
	// robot_2 saw the same area starting 15 columns and 10 rows in.
	g2 := cropGrid(t, g1, 10, 15)
	g2.AgentID = "robot_2"

	result, err := f.Fuse(g1, g2)
	require.NoError(t, err)
	require.Equal(t, LayoutAligned, result.Layout, "registration: %+v", result.Registration)

	p2 := result.Placements["robot_2"]
	assert.InDelta(t, 1.5, p2.X, 0.05)
	assert.InDelta(t, 1.0, p2.Y, 0.05)
	assert.InDelta(t, 0, p2.Yaw, 0.01)

	require.Equal(t, len(g1.Cells), len(result.Merged.Cells))
	assert.LessOrEqual(t, countDifferent(g1.Cells, result.Merged.Cells), len(g1.Cells)/100)
}

func TestFuse_ZeroThresholdFallsBackToStacking(t *testing.T) {
	reg := DefaultRegistrationParams()
	reg.MatchDistance = 0
	f := fusionEngine(0, WithRegistrationParams(reg))
	g1 := texturedGrid(t, "robot_1", Point{})
	g2 := texturedGrid(t, "robot_2", Point{})

	result, err := f.Fuse(g1, g2)
	require.NoError(t, err)
	assert.Equal(t, LayoutStacked, result.Layout)
	assert.Zero(t, result.Registration.MatchConfidence())
}

func TestFuse_IgnoresDifferentResolution(t *testing.T) {
	f := fusionEngine(DefaultConfidenceThreshold)
	g1 := uniformGrid(t, 10, 10, CellUnknown)
	g2, err := NewUniformGrid(10, 10, 0.2, Point{}, CellUnknown)
	require.NoError(t, err)

	result, err := f.Fuse(g1, g2)
	require.NoError(t, err)
	assert.Equal(t, g1.Resolution, result.Merged.Resolution)
}

func TestMergePixel(t *testing.T) {
	tests := []struct {
		a, b, want uint8
	}{
		{PixelOccupied, PixelFree, PixelOccupied},
		{PixelFree, PixelOccupied, PixelOccupied},
		{PixelOccupied, PixelUnknown, PixelOccupied},
		{PixelFree, PixelUnknown, PixelFree},
		{PixelUnknown, PixelFree, PixelFree},
		{PixelUnknown, PixelUnknown, PixelUnknown},
		{PixelFree, PixelFree, PixelFree},
	}
	for _, tt := range tests {
		if got := mergePixel(tt.a, tt.b); got != tt.want {
			t.Errorf("mergePixel(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestComposeLayers_Overlap(t *testing.T) {
	img1 := GridToImage(gridFromRows(t, 1, Point{}, "..??"))
	img2 := GridToImage(gridFromRows(t, 1, Point{}, "#.?."))

	out := composeLayers(fusionLayout{kind: LayoutAligned, width: 4, height: 1, second: Identity()}, img1, img2)
	assert.Equal(t, []uint8{PixelOccupied, PixelFree, PixelUnknown, PixelFree}, out.Pix)

	shifted := composeLayers(fusionLayout{kind: LayoutAligned, width: 4, height: 1, second: Translation(2, 0)}, img1, img2)
	assert.Equal(t, []uint8{PixelFree, PixelFree, PixelOccupied, PixelFree}, shifted.Pix)
}

func TestPlacementOf(t *testing.T) {
	p := placementOf(Translation(10, 0), Point{X: -1, Y: -1}, 0.1)
	assert.InDelta(t, 2.0, p.X, 1e-9)
	assert.InDelta(t, 1.0, p.Y, 1e-9)
	assert.Zero(t, p.Yaw)
}
