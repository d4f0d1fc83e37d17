package mesh

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer renders a MapView as vector graphics. Canvas units are
// millimetres; world units are scaled by MMPerUnit.
type VectorRenderer struct {
	MMPerUnit   float64
	Padding     float64           // canvas mm
	GridSpacing float64           // world units between grid lines; 0 disables
	Resolution  canvas.Resolution // PNG output resolution
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer() *VectorRenderer {
	return &VectorRenderer{
		MMPerUnit:   50,
		Padding:     10,
		GridSpacing: 1,
		Resolution:  canvas.DPI(150),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the view as SVG.
func (r *VectorRenderer) RenderToSVG(w io.Writer, v MapView) error {
	if v.Grid == nil {
		return fmt.Errorf("render svg: %w", ErrNoData)
	}
	width, height := r.canvasSize(v.Grid)
	out := svg.New(w, width, height, nil)
	r.renderToCanvas(out, v, width, height)
	return out.Close()
}

// RenderToPNG writes the view as a rasterized PNG.
func (r *VectorRenderer) RenderToPNG(w io.Writer, v MapView) error {
	if v.Grid == nil {
		return fmt.Errorf("render png: %w", ErrNoData)
	}
	width, height := r.canvasSize(v.Grid)
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, v, width, height)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) canvasSize(g *OccupancyGrid) (float64, float64) {
	w := float64(g.Width) * g.Resolution * r.MMPerUnit
	h := float64(g.Height) * g.Resolution * r.MMPerUnit
	return w + 2*r.Padding, h + 2*r.Padding
}

// toCanvas maps a world point onto the canvas. Canvas y grows upward like
// world y, so no flip is needed.
func (r *VectorRenderer) toCanvas(g *OccupancyGrid, p Point) (float64, float64) {
	return (p.X-g.Origin.X)*r.MMPerUnit + r.Padding, (p.Y-g.Origin.Y)*r.MMPerUnit + r.Padding
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, v MapView, width, height float64) {
	g := v.Grid

	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: colorUnknownCell}
	renderer.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	// Cells are drawn as horizontal runs so the SVG stays small.
	cell := g.Resolution * r.MMPerUnit
	for _, layer := range []struct {
		state CellState
		color color.RGBA
	}{{CellFree, colorFreeCell}, {CellOccupied, colorOccupiedCell}} {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: layer.color}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		for row := 0; row < g.Height; row++ {
			for col := 0; col < g.Width; {
				if g.Cells[row*g.Width+col] != layer.state {
					col++
					continue
				}
				start := col
				for col < g.Width && g.Cells[row*g.Width+col] == layer.state {
					col++
				}
				x := float64(start)*cell + r.Padding
				y := float64(row)*cell + r.Padding
				renderer.RenderPath(canvas.Rectangle(float64(col-start)*cell, cell).Translate(x, y), style, canvas.Identity)
			}
		}
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		b := g.Bound()
		for x := math.Ceil(b.Min[0]/r.GridSpacing) * r.GridSpacing; x <= b.Max[0]; x += r.GridSpacing {
			r.line(renderer, g, Point{X: x, Y: b.Min[1]}, Point{X: x, Y: b.Max[1]}, gridStyle)
		}
		for y := math.Ceil(b.Min[1]/r.GridSpacing) * r.GridSpacing; y <= b.Max[1]; y += r.GridSpacing {
			r.line(renderer, g, Point{X: b.Min[0], Y: y}, Point{X: b.Max[0], Y: y}, gridStyle)
		}
	}

	for _, m := range v.Markers {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: markerRGBA(m.Color)}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		radius := m.Scale * r.MMPerUnit / 2
		for _, p := range m.Points {
			cx, cy := r.toCanvas(g, p)
			renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), style, canvas.Identity)
		}
	}

	colors := NewMapRenderer().agentColors(v)
	for _, goal := range v.Goals {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: colors[goal.AgentID]}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.5
		cx, cy := r.toCanvas(g, goal.Position)
		renderer.RenderPath(canvas.Circle(3).Translate(cx, cy), style, canvas.Identity)
	}

	for id, pose := range v.Robots {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: colors[id]}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.5

		cx, cy := r.toCanvas(g, pose.Position())
		const size = 5.0
		p := &canvas.Path{}
		p.MoveTo(cx+size*math.Cos(pose.Yaw), cy+size*math.Sin(pose.Yaw))
		p.LineTo(cx+0.6*size*math.Cos(pose.Yaw+2.5), cy+0.6*size*math.Sin(pose.Yaw+2.5))
		p.LineTo(cx+0.6*size*math.Cos(pose.Yaw-2.5), cy+0.6*size*math.Sin(pose.Yaw-2.5))
		p.Close()
		renderer.RenderPath(p, style, canvas.Identity)
	}
}

func (r *VectorRenderer) line(renderer canvasRenderer, g *OccupancyGrid, a, b Point, style canvas.Style) {
	x1, y1 := r.toCanvas(g, a)
	x2, y2 := r.toCanvas(g, b)
	p := &canvas.Path{}
	p.MoveTo(x1, y1)
	p.LineTo(x2, y2)
	renderer.RenderPath(p, style, canvas.Identity)
}
