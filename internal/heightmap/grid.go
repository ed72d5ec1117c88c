// Package heightmap turns radiograph pixels into normalized bone-density
// grids and isolates the dominant bone region.
package heightmap

import "math"

// Grid is a row-major 2-D field of values in [0,1].
type Grid struct {
	Width  int
	Height int
	Values []float64
}

// NewGrid returns a zero-filled grid.
func NewGrid(width, height int) *Grid {
	return &Grid{Width: width, Height: height, Values: make([]float64, width*height)}
}

// At returns the value at column x, row y.
func (g *Grid) At(x, y int) float64 {
	return g.Values[y*g.Width+x]
}

// Set stores v at column x, row y.
func (g *Grid) Set(x, y int, v float64) {
	g.Values[y*g.Width+x] = v
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	out := &Grid{Width: g.Width, Height: g.Height, Values: make([]float64, len(g.Values))}
	copy(out.Values, g.Values)
	return out
}

// Empty reports whether the grid has no cells.
func (g *Grid) Empty() bool {
	return g == nil || g.Width == 0 || g.Height == 0
}

// Max returns the largest value, or 0 for an empty grid.
func (g *Grid) Max() float64 {
	m := 0.0
	for _, v := range g.Values {
		if v > m {
			m = v
		}
	}
	return m
}

// Crop returns the sub-grid [x0,x1) x [y0,y1).
func (g *Grid) Crop(x0, y0, x1, y1 int) *Grid {
	out := NewGrid(x1-x0, y1-y0)
	for y := y0; y < y1; y++ {
		copy(out.Values[(y-y0)*out.Width:(y-y0+1)*out.Width], g.Values[y*g.Width+x0:y*g.Width+x1])
	}
	return out
}

// PadTo returns a copy zero-padded to at least w x h. The original values
// keep their top-left placement.
func (g *Grid) PadTo(w, h int) *Grid {
	if g.Width >= w && g.Height >= h {
		return g.Clone()
	}
	out := NewGrid(max(w, g.Width), max(h, g.Height))
	for y := 0; y < g.Height; y++ {
		copy(out.Values[y*out.Width:y*out.Width+g.Width], g.Values[y*g.Width:(y+1)*g.Width])
	}
	return out
}

func clip01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
