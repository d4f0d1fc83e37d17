package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorFreeCell     = color.RGBA{255, 255, 255, 255}
	colorOccupiedCell = color.RGBA{40, 40, 40, 255}
	colorUnknownCell  = color.RGBA{205, 205, 205, 255}
	colorBackground   = color.RGBA{235, 235, 235, 255}
	colorText         = color.RGBA{0, 0, 0, 255}
)

// DefaultAgentColors are used for agents without a configured colour.
var DefaultAgentColors = []string{"#1a73e8", "#d93025", "#188038", "#f9ab00"}

// MapView is everything drawn into one image. All positions are in the
// frame of Grid.
type MapView struct {
	Grid    *OccupancyGrid
	Markers []FrontierMarkers
	Goals   []Goal
	Robots  map[string]Pose2D
	Colors  map[string]string // agent ID -> hex colour
}

// MapRenderer rasterizes a MapView. World +Y points up in the output.
type MapRenderer struct {
	Scale   int // pixels per cell
	Padding int
}

// NewMapRenderer creates a renderer with default settings
func NewMapRenderer() *MapRenderer {
	return &MapRenderer{Scale: 4, Padding: 20}
}

// Render draws the grid, frontier markers, goals, robots and a legend.
func (r *MapRenderer) Render(v MapView) *image.RGBA {
	g := v.Grid
	width := g.Width*r.Scale + 2*r.Padding
	height := g.Height*r.Scale + 2*r.Padding
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fillRect(img, 0, 0, width, height, colorBackground)

	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			c := colorUnknownCell
			switch g.Cells[row*g.Width+col] {
			case CellFree:
				c = colorFreeCell
			case CellOccupied:
				c = colorOccupiedCell
			}
			x := r.Padding + col*r.Scale
			y := r.Padding + (g.Height-1-row)*r.Scale
			fillRect(img, x, y, x+r.Scale, y+r.Scale, c)
		}
	}

	for _, m := range v.Markers {
		c := markerRGBA(m.Color)
		for _, p := range m.Points {
			x, y := r.worldToPixel(g, p)
			drawSquare(img, x, y, 3, c)
		}
	}

	colors := r.agentColors(v)
	for _, goal := range v.Goals {
		x, y := r.worldToPixel(g, goal.Position)
		drawCircle(img, x, y, 5, colors[goal.AgentID])
		drawCircle(img, x, y, 2, colorFreeCell)
	}

	for id, pose := range v.Robots {
		x, y := r.worldToPixel(g, pose.Position())
		drawRobot(img, x, y, 7, pose.Yaw, colors[id])
	}

	drawLegend(img, colors)
	return img
}

// worldToPixel maps a world position to image coordinates.
func (r *MapRenderer) worldToPixel(g *OccupancyGrid, p Point) (int, int) {
	col := (p.X - g.Origin.X) / g.Resolution
	row := (p.Y - g.Origin.Y) / g.Resolution
	x := float64(r.Padding) + col*float64(r.Scale)
	y := float64(r.Padding) + (float64(g.Height)-row)*float64(r.Scale)
	return int(math.Round(x)), int(math.Round(y))
}

// agentColors resolves a colour for every agent in the view. Agents without
// a configured colour take the defaults in sorted ID order.
func (r *MapRenderer) agentColors(v MapView) map[string]color.RGBA {
	seen := make(map[string]bool)
	for _, g := range v.Goals {
		seen[g.AgentID] = true
	}
	for id := range v.Robots {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]color.RGBA, len(ids))
	for i, id := range ids {
		hex, ok := v.Colors[id]
		if !ok {
			hex = DefaultAgentColors[i%len(DefaultAgentColors)]
		}
		out[id] = parseHexColor(hex)
	}
	return out
}

// SavePNG writes img to path.
func SavePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return WritePNG(f, img)
}

// WritePNG encodes img to w.
func WritePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encoding PNG: %w", err)
	}
	return nil
}

func markerRGBA(c MarkerColor) color.RGBA {
	a := c.A
	if a == 0 {
		a = 1
	}
	return color.RGBA{unitToByte(c.R), unitToByte(c.G), unitToByte(c.B), unitToByte(a)}
}

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	r := image.Rect(x0, y0, x1, y1).Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if (image.Point{x, y}).In(img.Bounds()) {
					img.SetRGBA(x, y, c)
				}
			}
		}
	}
}

func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	fillRect(img, cx-half, cy-half, cx-half+size, cy-half+size, c)
}

// drawRobot draws a filled triangle pointing along yaw. Image y grows
// downward, so the heading is mirrored.
func drawRobot(img *image.RGBA, cx, cy, size int, yaw float64, c color.RGBA) {
	s := float64(size)
	tip := [2]float64{float64(cx) + s*math.Cos(yaw), float64(cy) - s*math.Sin(yaw)}
	left := [2]float64{float64(cx) + s*0.6*math.Cos(yaw+2.5), float64(cy) - s*0.6*math.Sin(yaw+2.5)}
	right := [2]float64{float64(cx) + s*0.6*math.Cos(yaw-2.5), float64(cy) - s*0.6*math.Sin(yaw-2.5)}

	minX := int(math.Floor(math.Min(tip[0], math.Min(left[0], right[0]))))
	maxX := int(math.Ceil(math.Max(tip[0], math.Max(left[0], right[0]))))
	minY := int(math.Floor(math.Min(tip[1], math.Min(left[1], right[1]))))
	maxY := int(math.Ceil(math.Max(tip[1], math.Max(left[1], right[1]))))

	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			p := [2]float64{float64(x), float64(y)}
			if inTriangle(p, tip, left, right) && (image.Point{x, y}).In(img.Bounds()) {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

func inTriangle(p, a, b, c [2]float64) bool {
	cross := func(o, u, v [2]float64) float64 {
		return (u[0]-o[0])*(v[1]-o[1]) - (u[1]-o[1])*(v[0]-o[0])
	}
	d1, d2, d3 := cross(a, b, p), cross(b, c, p), cross(c, a, p)
	hasNeg := d1 < 0 || d2 < 0 || d3 < 0
	hasPos := d1 > 0 || d2 > 0 || d3 > 0
	return !(hasNeg && hasPos)
}

// drawLegend lists agents with their colour swatch in the top-left corner.
func drawLegend(img *image.RGBA, colors map[string]color.RGBA) {
	ids := make([]string, 0, len(colors))
	for id := range colors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	y := 15
	for _, id := range ids {
		fillRect(img, 10, y-6, 22, y+6, colors[id])
		drawText(img, 28, y+4, id, colorText)
		y += 18
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA.
// Unparseable input yields red.
func parseHexColor(hex string) color.RGBA {
	defaultColor := color.RGBA{255, 0, 0, 255}
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
