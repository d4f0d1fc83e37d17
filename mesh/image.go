package mesh

import "image"

// Grey levels used when a grid is rendered for registration.
const (
	PixelOccupied uint8 = 0
	PixelUnknown  uint8 = 127
	PixelFree     uint8 = 255
)

// GridToImage renders a grid as a greyscale image, one pixel per cell.
// Pixel (x, y) is cell (row y, col x).
func GridToImage(g *OccupancyGrid) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	for row := 0; row < g.Height; row++ {
		off := row * img.Stride
		for col := 0; col < g.Width; col++ {
			img.Pix[off+col] = pixelFor(g.Cells[row*g.Width+col])
		}
	}
	return img
}

func pixelFor(s CellState) uint8 {
	switch s {
	case CellFree:
		return PixelFree
	case CellOccupied:
		return PixelOccupied
	default:
		return PixelUnknown
	}
}

// ImageToGrid converts a rendered map back: white is free, black is
// occupied and every other level is unknown.
func ImageToGrid(img *image.Gray, resolution float64, origin Point) (*OccupancyGrid, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cells := make([]CellState, w*h)
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < w; x++ {
			switch img.Pix[off+x] {
			case PixelFree:
				cells[y*w+x] = CellFree
			case PixelOccupied:
				cells[y*w+x] = CellOccupied
			default:
				cells[y*w+x] = CellUnknown
			}
		}
	}
	return NewOccupancyGrid(w, h, resolution, origin, cells)
}

// newFilledGray returns a w x h image with every pixel set to v.
func newFilledGray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	if v != 0 {
		for i := range img.Pix {
			img.Pix[i] = v
		}
	}
	return img
}

// MedianBlur3 applies a 3x3 median filter. Edges replicate the border pixel.
func MedianBlur3(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}

	at := func(x, y int) uint8 {
		x = clampInt(x, 0, w-1)
		y = clampInt(y, 0, h-1)
		return src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)]
	}

	var win [9]uint8
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			k := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					win[k] = at(x+dx, y+dy)
					k++
				}
			}
			dst.Pix[y*dst.Stride+x] = median9(win)
		}
	}
	return dst
}

// median9 sorts the window in place with insertion sort; nine elements.
func median9(v [9]uint8) uint8 {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
	return v[4]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
