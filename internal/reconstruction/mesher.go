package reconstruction

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/orthogenesis/recon-cli/internal/heightmap"
	"github.com/orthogenesis/recon-cli/internal/mesh"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/resilience"
)

const (
	DefaultHeightScale  = 46.0
	DefaultSurfaceFloor = 0.008

	minBaseOffset   = 4.5
	baseOffsetRatio = 0.14

	bottomConfidence = 0.08
	confidenceBase   = 0.34
	confidenceGain   = 0.66
	supportBase      = 0.68
	supportGain      = 0.32
)

// BuildMesh triangulates a heightmap into a closed two-layer shell: a top
// surface displaced by height, a flat bottom at a fixed offset, and side
// walls wherever an active cell borders an inactive one or the grid edge.
// A cell is active when any of its corners exceeds surfaceFloor.
//
// When no cell is active, the corner cell is emitted as a flat slab and the
// report takes the empty path.
func BuildMesh(g *heightmap.Grid, heightScale, surfaceFloor float64) (*mesh.Mesh, *model.ConfidenceReport, error) {
	if g.Empty() || g.Width < 2 || g.Height < 2 {
		return nil, nil, resilience.Permanent(eris.New("reconstruction: heightmap must be at least 2x2"))
	}
	rows, cols := g.Height, g.Width
	vc := rows * cols
	baseY := -math.Max(minBaseOffset, baseOffsetRatio*heightScale)

	m := &mesh.Mesh{
		Vertices: make([]r3.Vec, 2*vc),
		Colors:   make([][4]uint8, 2*vc),
	}
	conf := make([]float64, 2*vc)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := y*cols + x
			px := float64(x) - 0.5*float64(cols)
			pz := float64(y) - 0.5*float64(rows)
			m.Vertices[i] = r3.Vec{X: px, Y: g.At(x, y) * heightScale, Z: pz}
			m.Vertices[vc+i] = r3.Vec{X: px, Y: baseY, Z: pz}
			conf[i] = topConfidence(g, x, y, surfaceFloor)
			conf[vc+i] = bottomConfidence
		}
	}
	for i, c := range conf {
		m.Colors[i] = ConfidenceColor(c)
	}

	active := activeCells(g, surfaceFloor)
	fallback := !anyTrue(active)
	if fallback {
		active[0] = true
	}
	sealPinches(active, cols-1, rows-1)
	m.Faces = shellFaces(active, cols, rows)
	m.ComputeNormals()

	if fallback {
		return m, EmptyReport(surfaceFloor), nil
	}
	return m, BuildReport(conf, m.ReferencedVertices(), surfaceFloor), nil
}

func topConfidence(g *heightmap.Grid, x, y int, floor float64) float64 {
	h := g.At(x, y)
	if h <= 0 {
		return 0
	}
	base := clip01((h - floor) / math.Max(1e-6, 1-floor))

	var above, total int
	for yy := max(0, y-1); yy <= min(g.Height-1, y+1); yy++ {
		for xx := max(0, x-1); xx <= min(g.Width-1, x+1); xx++ {
			total++
			if g.At(xx, yy) > floor {
				above++
			}
		}
	}
	support := float64(above) / float64(total)
	return clip01((confidenceBase + confidenceGain*base) * (supportBase + supportGain*support))
}

// activeCells flags each (cols-1)x(rows-1) cell with any corner above floor.
func activeCells(g *heightmap.Grid, floor float64) []bool {
	cw, ch := g.Width-1, g.Height-1
	active := make([]bool, cw*ch)
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			active[y*cw+x] = g.At(x, y) > floor || g.At(x+1, y) > floor ||
				g.At(x, y+1) > floor || g.At(x+1, y+1) > floor
		}
	}
	return active
}

// sealPinches activates cells until no grid vertex is shared by exactly two
// diagonally opposite active cells. Such a vertex would carry four wall
// segments and break edge-manifoldness.
func sealPinches(active []bool, cw, ch int) {
	cell := func(x, y int) bool { return active[y*cw+x] }
	for changed := true; changed; {
		changed = false
		for y := 1; y < ch; y++ {
			for x := 1; x < cw; x++ {
				nw, ne := cell(x-1, y-1), cell(x, y-1)
				sw, se := cell(x-1, y), cell(x, y)
				switch {
				case nw && se && !ne && !sw:
					active[(y-1)*cw+x] = true
					changed = true
				case ne && sw && !nw && !se:
					active[(y-1)*cw+x-1] = true
					changed = true
				}
			}
		}
	}
}

func shellFaces(active []bool, cols, rows int) [][3]int {
	cw, ch := cols-1, rows-1
	vc := rows * cols
	isActive := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < cw && y < ch && active[y*cw+x]
	}

	var faces [][3]int
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			if !active[y*cw+x] {
				continue
			}
			tl := y*cols + x
			tr := tl + 1
			bl := tl + cols
			br := bl + 1
			btl, btr, bbl, bbr := vc+tl, vc+tr, vc+bl, vc+br

			faces = append(faces,
				[3]int{tl, bl, tr}, [3]int{tr, bl, br},
				[3]int{btl, btr, bbl}, [3]int{btr, bbr, bbl},
			)
			if !isActive(x, y-1) {
				faces = append(faces, [3]int{tl, tr, btl}, [3]int{tr, btr, btl})
			}
			if !isActive(x, y+1) {
				faces = append(faces, [3]int{bl, bbl, br}, [3]int{br, bbl, bbr})
			}
			if !isActive(x-1, y) {
				faces = append(faces, [3]int{tl, btl, bl}, [3]int{bl, btl, bbl})
			}
			if !isActive(x+1, y) {
				faces = append(faces, [3]int{tr, br, btr}, [3]int{br, bbr, btr})
			}
		}
	}
	return faces
}

func anyTrue(v []bool) bool {
	for _, b := range v {
		if b {
			return true
		}
	}
	return false
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
