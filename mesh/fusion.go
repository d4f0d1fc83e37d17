package mesh

import (
	"fmt"
	"image"
	"log"
	"math"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Fusion defaults.
const (
	DefaultTFPublishFrequency  = 20.0 // Hz
	DefaultMapPublishFrequency = 1.0  // Hz
	DefaultFallbackGap         = 1.0  // world units between stacked maps
)

// FusionLayout names how the second map was placed on the canvas.
type FusionLayout string

const (
	LayoutAligned FusionLayout = "aligned"
	LayoutStacked FusionLayout = "stacked"
)

// FusionResult is the output of one fusion cycle.
type FusionResult struct {
	Merged       *OccupancyGrid
	Image        *image.Gray
	Layout       FusionLayout
	Registration Registration
	// Placements maps each agent ID to the pose of its map frame in the
	// global frame.
	Placements map[string]Pose2D
	Agents     [2]string
	Stamp      time.Time
}

// FusionOption configures a FusionEngine.
type FusionOption func(*FusionEngine)

// WithFusionClock sets the clock used to stamp merged maps.
func WithFusionClock(c Clock) FusionOption {
	return func(f *FusionEngine) { f.clock = c }
}

// WithFusionMetrics attaches metrics collectors.
func WithFusionMetrics(m *Metrics) FusionOption {
	return func(f *FusionEngine) { f.metrics = m }
}

// WithRegistrationParams overrides feature and RANSAC settings. The
// confidence threshold is still read from the live parameters.
func WithRegistrationParams(p RegistrationParams) FusionOption {
	return func(f *FusionEngine) { f.registration = p }
}

// WithFallbackGap sets the world-unit gap between stacked maps.
func WithFallbackGap(gap float64) FusionOption {
	return func(f *FusionEngine) { f.gap = gap }
}

// WithMergedFrame sets the frame of the merged grid.
func WithMergedFrame(frame string) FusionOption {
	return func(f *FusionEngine) { f.frame = frame }
}

// FusionEngine merges two agents' grids into one global grid.
type FusionEngine struct {
	params       ParamSource
	registration RegistrationParams
	gap          float64
	frame        string
	clock        Clock
	metrics      *Metrics
}

// NewFusionEngine creates an engine reading the confidence threshold from params.
func NewFusionEngine(params ParamSource, opts ...FusionOption) *FusionEngine {
	f := &FusionEngine{
		params:       params,
		registration: DefaultRegistrationParams(),
		gap:          DefaultFallbackGap,
		frame:        DefaultGlobalFrame,
		clock:        WallClock{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fuse registers g2 against g1 and composes the merged grid. Registration
// failure falls back to stacking g2 below g1; an error is returned only when
// matches were plentiful but no transform could be estimated, in which case
// the cycle should be skipped.
func (f *FusionEngine) Fuse(g1, g2 *OccupancyGrid) (*FusionResult, error) {
	if g1 == nil || g2 == nil {
		return nil, fmt.Errorf("fuse: %w", ErrNoData)
	}
	start := time.Now()
	if g1.Resolution != g2.Resolution {
		log.Printf("[FUSION] Warning: resolutions differ (%.3f vs %.3f), using %.3f", g1.Resolution, g2.Resolution, g1.Resolution)
	}

	img1 := GridToImage(g1)
	img2 := GridToImage(g2)

	regParams := f.registration
	regParams.ConfidenceThreshold = f.params.Params().ConfidenceThreshold
	reg, err := RegisterImages(MedianBlur3(img1), MedianBlur3(img2), regParams)
	if err != nil {
		return nil, fmt.Errorf("fuse %s and %s: %w", g1.AgentID, g2.AgentID, err)
	}

	log.Printf("[FUSION] Feature good matches count: %d", reg.MatchConfidence())
	layout := f.layoutFor(reg, g1, g2)
	if layout.kind == LayoutStacked {
		log.Printf("[FUSION] Using fallback layout (maps not aligned)")
	} else {
		log.Printf("[FUSION] Merging maps based on feature alignment")
	}

	canvas := composeLayers(layout, img1, img2)
	merged, err := ImageToGrid(canvas, g1.Resolution, Point{})
	if err != nil {
		return nil, fmt.Errorf("converting merged image: %w", err)
	}
	stamp := f.clock.Now()
	merged.Frame = f.frame
	merged.Stamp = stamp

	result := &FusionResult{
		Merged:       merged,
		Image:        canvas,
		Layout:       layout.kind,
		Registration: reg,
		Placements: map[string]Pose2D{
			g1.AgentID: {X: -g1.Origin.X, Y: -g1.Origin.Y},
			g2.AgentID: placementOf(layout.second, g2.Origin, g1.Resolution),
		},
		Agents: [2]string{g1.AgentID, g2.AgentID},
		Stamp:  stamp,
	}
	f.metrics.ObserveFusion(string(layout.kind), reg.MatchConfidence(), time.Since(start))
	return result, nil
}

// fusionLayout places both images on a canvas. The first image always sits
// at the canvas origin; second maps image 2 pixels onto canvas pixels.
type fusionLayout struct {
	kind          FusionLayout
	width, height int
	second        AffineMatrix
}

func (f *FusionEngine) layoutFor(reg Registration, g1, g2 *OccupancyGrid) fusionLayout {
	switch r := reg.(type) {
	case RegistrationSucceeded:
		return fusionLayout{
			kind:   LayoutAligned,
			width:  g1.Width,
			height: g1.Height,
			second: r.Transform,
		}
	default:
		gapCells := int(f.gap / g1.Resolution)
		offsetY := g1.Height + gapCells
		return fusionLayout{
			kind:   LayoutStacked,
			width:  max(g1.Width, g2.Width),
			height: offsetY + g2.Height,
			second: Translation(0, float64(offsetY)),
		}
	}
}

// placementOf maps the world origin of a grid's frame through the image
// placement and back to world units. Grid cells are image pixels, so the
// frame origin sits at pixel -origin/resolution.
func placementOf(m AffineMatrix, origin Point, resolution float64) Pose2D {
	px := Point{X: -origin.X / resolution, Y: -origin.Y / resolution}
	q := TransformPoint(px, m)
	yaw := RotationAngle(m)
	if math.Abs(yaw) < 1e-12 {
		yaw = 0
	}
	return Pose2D{X: q.X * resolution, Y: q.Y * resolution, Yaw: yaw}
}

// composeLayers draws both images onto the layout canvas and merges them
// cell by cell: occupied wins, then free, then unknown.
func composeLayers(layout fusionLayout, img1, img2 *image.Gray) *image.Gray {
	base := newFilledGray(layout.width, layout.height, PixelUnknown)
	draw.Draw(base, img1.Bounds(), img1, img1.Bounds().Min, draw.Src)

	overlay := newFilledGray(layout.width, layout.height, PixelUnknown)
	s2d := f64.Aff3{
		layout.second.A, layout.second.B, layout.second.Tx,
		layout.second.C, layout.second.D, layout.second.Ty,
	}
	draw.NearestNeighbor.Transform(overlay, s2d, img2, img2.Bounds(), draw.Src, nil)

	for i, a := range base.Pix {
		base.Pix[i] = mergePixel(a, overlay.Pix[i])
	}
	return base
}

func mergePixel(a, b uint8) uint8 {
	switch {
	case a == PixelOccupied || b == PixelOccupied:
		return PixelOccupied
	case a == PixelFree || b == PixelFree:
		return PixelFree
	default:
		return PixelUnknown
	}
}
