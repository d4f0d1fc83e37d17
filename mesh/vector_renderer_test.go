package mesh

import (
	"bytes"
	"errors"
	"image/png"
	"strings"
	"testing"

	"github.com/tdewolff/canvas"
)

func TestVectorRenderer_RenderToSVG(t *testing.T) {
	r := NewVectorRenderer()

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf, renderFixture(t)); err != nil {
		t.Fatalf("RenderToSVG: %v", err)
	}

	svg := buf.String()
	if !strings.Contains(svg, "<svg") {
		t.Error("output does not contain an <svg> tag")
	}
	if !strings.Contains(svg, "path") {
		t.Error("output does not contain path elements")
	}
}

func TestVectorRenderer_RenderToPNG(t *testing.T) {
	r := NewVectorRenderer()
	r.Resolution = canvas.DPI(72)

	view := renderFixture(t)
	view.Grid = uniformGrid(t, 40, 20, CellFree)

	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf, view); err != nil {
		t.Fatalf("RenderToPNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		t.Fatalf("PNG has zero dimensions: %v", b)
	}
	// 220mm x 120mm canvas.
	if b.Dx() <= b.Dy() {
		t.Errorf("dimensions %dx%d, want a landscape image", b.Dx(), b.Dy())
	}
}

func TestVectorRenderer_ResolutionScalesOutput(t *testing.T) {
	view := MapView{Grid: uniformGrid(t, 10, 10, CellOccupied)}

	size := func(dpi float64) int {
		r := NewVectorRenderer()
		r.Resolution = canvas.DPI(dpi)
		r.GridSpacing = 0
		var buf bytes.Buffer
		if err := r.RenderToPNG(&buf, view); err != nil {
			t.Fatalf("RenderToPNG at %v dpi: %v", dpi, err)
		}
		img, err := png.Decode(&buf)
		if err != nil {
			t.Fatalf("png.Decode: %v", err)
		}
		return img.Bounds().Dx()
	}

	low, high := size(72), size(144)
	if high <= low {
		t.Errorf("144 dpi width %d should exceed 72 dpi width %d", high, low)
	}
}

func TestVectorRenderer_NoGrid(t *testing.T) {
	r := NewVectorRenderer()
	var buf bytes.Buffer

	if err := r.RenderToSVG(&buf, MapView{}); !errors.Is(err, ErrNoData) {
		t.Errorf("RenderToSVG error = %v, want ErrNoData", err)
	}
	if err := r.RenderToPNG(&buf, MapView{}); !errors.Is(err, ErrNoData) {
		t.Errorf("RenderToPNG error = %v, want ErrNoData", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written, got %d bytes", buf.Len())
	}
}

func TestVectorRenderer_ToCanvas(t *testing.T) {
	r := NewVectorRenderer()
	g := uniformGrid(t, 10, 10, CellFree)
	g.Origin = Point{X: -1, Y: 2}

	x, y := r.toCanvas(g, Point{X: -1, Y: 2})
	if x != r.Padding || y != r.Padding {
		t.Errorf("origin maps to (%v, %v), want (%v, %v)", x, y, r.Padding, r.Padding)
	}
	x, y = r.toCanvas(g, Point{X: 0, Y: 2.5})
	if x != 60 || y != 35 {
		t.Errorf("toCanvas = (%v, %v), want (60, 35)", x, y)
	}

	w, h := r.canvasSize(g)
	if w != 70 || h != 70 {
		t.Errorf("canvasSize = %vx%v, want 70x70", w, h)
	}
}
