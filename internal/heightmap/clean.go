package heightmap

import (
	"math"
	"slices"
)

const (
	minPositiveCells = 24
	cleanFloorMin    = 0.008
	cleanFloorScale  = 0.35
	cleanPercentile  = 0.08
	cropMargin       = 8
)

// Clean isolates the dominant bone region: it keeps the largest 4-connected
// component above an adaptive floor, fills its interior holes, zeroes
// everything else and crops to the region's bounding box plus a margin.
// Sparse or empty inputs are returned unchanged.
func Clean(g *Grid) *Grid {
	if g.Empty() {
		return g
	}
	var positive []float64
	for _, v := range g.Values {
		if v > 0 {
			positive = append(positive, v)
		}
	}
	if len(positive) < minPositiveCells {
		return g
	}
	slices.Sort(positive)
	floor := math.Max(cleanFloorMin, cleanFloorScale*Percentile(positive, cleanPercentile))

	mask := make([]bool, len(g.Values))
	for i, v := range g.Values {
		mask[i] = v > floor
	}
	mask = LargestComponent(mask, g.Width, g.Height)
	if !slices.Contains(mask, true) {
		return g
	}
	mask = FillHoles(mask, g.Width, g.Height)

	out := g.Clone()
	minX, minY, maxX, maxY := g.Width, g.Height, -1, -1
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			i := y*g.Width + x
			if !mask[i] {
				out.Values[i] = 0
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}

	x0 := max(0, minX-cropMargin)
	y0 := max(0, minY-cropMargin)
	x1 := min(g.Width, maxX+cropMargin+1)
	y1 := min(g.Height, maxY+cropMargin+1)
	return out.Crop(x0, y0, x1, y1)
}

var neighbors4 = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

// LargestComponent returns a mask containing only the largest 4-connected
// true region. Components are discovered in row-major order and a later one
// replaces the current best only when strictly larger.
func LargestComponent(mask []bool, w, h int) []bool {
	seen := make([]bool, len(mask))
	var best []int
	queue := make([]int, 0, 64)
	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		seen[start] = true
		queue = append(queue[:0], start)
		var comp []int
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, cur)
			cx, cy := cur%w, cur/w
			for _, d := range neighbors4 {
				nx, ny := cx+d[0], cy+d[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				ni := ny*w + nx
				if mask[ni] && !seen[ni] {
					seen[ni] = true
					queue = append(queue, ni)
				}
			}
		}
		if len(comp) > len(best) {
			best = comp
		}
	}
	out := make([]bool, len(mask))
	for _, i := range best {
		out[i] = true
	}
	return out
}

// FillHoles marks every false cell not 4-reachable from the border as true.
func FillHoles(mask []bool, w, h int) []bool {
	outside := make([]bool, len(mask))
	queue := make([]int, 0, 2*(w+h))
	push := func(x, y int) {
		i := y*w + x
		if !mask[i] && !outside[i] {
			outside[i] = true
			queue = append(queue, i)
		}
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		cx, cy := cur%w, cur/w
		for _, d := range neighbors4 {
			nx, ny := cx+d[0], cy+d[1]
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			push(nx, ny)
		}
	}
	out := make([]bool, len(mask))
	for i := range mask {
		out[i] = mask[i] || !outside[i]
	}
	return out
}
