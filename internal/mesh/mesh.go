// Package mesh holds the indexed triangle mesh shared by the reconstruction
// engine and the post-processor, plus its OBJ, STL and GLB codecs.
package mesh

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is an indexed triangle mesh. Normals and Colors are optional
// per-vertex attributes; when present they have len(Vertices) entries.
type Mesh struct {
	Vertices []r3.Vec
	Faces    [][3]int
	Normals  []r3.Vec
	Colors   [][4]uint8
}

// Edge is an undirected vertex pair with A < B.
type Edge struct{ A, B int }

// NewEdge orders the pair.
func NewEdge(a, b int) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// Validate checks that every face index addresses a vertex and that optional
// attributes match the vertex count.
func (m *Mesh) Validate() error {
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return eris.Errorf("mesh: face %d references vertex %d of %d", i, idx, n)
			}
		}
	}
	if m.Normals != nil && len(m.Normals) != n {
		return eris.Errorf("mesh: %d normals for %d vertices", len(m.Normals), n)
	}
	if m.Colors != nil && len(m.Colors) != n {
		return eris.Errorf("mesh: %d colors for %d vertices", len(m.Colors), n)
	}
	return nil
}

// EdgeCounts returns how many faces use each undirected edge.
func (m *Mesh) EdgeCounts() map[Edge]int {
	counts := make(map[Edge]int, len(m.Faces)*3/2)
	for _, f := range m.Faces {
		counts[NewEdge(f[0], f[1])]++
		counts[NewEdge(f[1], f[2])]++
		counts[NewEdge(f[2], f[0])]++
	}
	return counts
}

// IsClosed reports whether the mesh has faces and every edge is shared by
// exactly two faces.
func (m *Mesh) IsClosed() bool {
	if len(m.Faces) == 0 {
		return false
	}
	for _, c := range m.EdgeCounts() {
		if c != 2 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Vertices: append([]r3.Vec(nil), m.Vertices...),
		Faces:    append([][3]int(nil), m.Faces...),
	}
	if m.Normals != nil {
		out.Normals = append([]r3.Vec(nil), m.Normals...)
	}
	if m.Colors != nil {
		out.Colors = append([][4]uint8(nil), m.Colors...)
	}
	return out
}

// FaceCross returns the unnormalized cross product of a face; its length is
// twice the face area.
func (m *Mesh) FaceCross(f [3]int) r3.Vec {
	a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
	return r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
}

// FaceArea returns the area of a face.
func (m *Mesh) FaceArea(f [3]int) float64 {
	return r3.Norm(m.FaceCross(f)) / 2
}

// Area returns the total surface area.
func (m *Mesh) Area() float64 {
	var total float64
	for _, f := range m.Faces {
		total += m.FaceArea(f)
	}
	return total
}

// Bounds returns the axis-aligned bounding box of the referenced vertices.
// ok is false when no face references a vertex.
func (m *Mesh) Bounds() (lo, hi r3.Vec, ok bool) {
	lo = r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi = r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, f := range m.Faces {
		for _, idx := range f {
			v := m.Vertices[idx]
			lo = r3.Vec{X: math.Min(lo.X, v.X), Y: math.Min(lo.Y, v.Y), Z: math.Min(lo.Z, v.Z)}
			hi = r3.Vec{X: math.Max(hi.X, v.X), Y: math.Max(hi.Y, v.Y), Z: math.Max(hi.Z, v.Z)}
			ok = true
		}
	}
	return lo, hi, ok
}

// MaxExtent returns the largest bounding-box side, or 0 for an empty mesh.
func (m *Mesh) MaxExtent() float64 {
	lo, hi, ok := m.Bounds()
	if !ok {
		return 0
	}
	d := r3.Sub(hi, lo)
	return math.Max(d.X, math.Max(d.Y, d.Z))
}

// Scale multiplies every vertex position by f in place.
func (m *Mesh) Scale(f float64) {
	for i, v := range m.Vertices {
		m.Vertices[i] = r3.Scale(f, v)
	}
}

// ComputeNormals sets area-weighted vertex normals: the raw face cross
// products are summed per vertex and then normalized.
func (m *Mesh) ComputeNormals() {
	normals := make([]r3.Vec, len(m.Vertices))
	for _, f := range m.Faces {
		c := m.FaceCross(f)
		for _, idx := range f {
			normals[idx] = r3.Add(normals[idx], c)
		}
	}
	for i, n := range normals {
		if l := r3.Norm(n); l > 0 {
			normals[i] = r3.Scale(1/l, n)
		}
	}
	m.Normals = normals
}

// ReferencedVertices returns a per-vertex flag for vertices used by a face.
func (m *Mesh) ReferencedVertices() []bool {
	used := make([]bool, len(m.Vertices))
	for _, f := range m.Faces {
		used[f[0]], used[f[1]], used[f[2]] = true, true, true
	}
	return used
}

// Concatenate merges meshes into one, offsetting face indices. Optional
// attributes survive only when every part carries them.
func Concatenate(parts ...*Mesh) *Mesh {
	out := &Mesh{}
	withNormals, withColors := len(parts) > 0, len(parts) > 0
	for _, p := range parts {
		withNormals = withNormals && p.Normals != nil
		withColors = withColors && p.Colors != nil
	}
	for _, p := range parts {
		offset := len(out.Vertices)
		out.Vertices = append(out.Vertices, p.Vertices...)
		for _, f := range p.Faces {
			out.Faces = append(out.Faces, [3]int{f[0] + offset, f[1] + offset, f[2] + offset})
		}
		if withNormals {
			out.Normals = append(out.Normals, p.Normals...)
		}
		if withColors {
			out.Colors = append(out.Colors, p.Colors...)
		}
	}
	return out
}

// Box returns a closed, outward-facing axis-aligned box with 8 vertices and
// 12 triangles.
func Box(lo, hi r3.Vec) *Mesh {
	m := &Mesh{Vertices: make([]r3.Vec, 8)}
	for i := range m.Vertices {
		v := lo
		if i&1 != 0 {
			v.X = hi.X
		}
		if i&2 != 0 {
			v.Y = hi.Y
		}
		if i&4 != 0 {
			v.Z = hi.Z
		}
		m.Vertices[i] = v
	}
	m.Faces = [][3]int{
		{0, 4, 6}, {0, 6, 2}, // -x
		{1, 3, 7}, {1, 7, 5}, // +x
		{0, 1, 5}, {0, 5, 4}, // -y
		{2, 6, 7}, {2, 7, 3}, // +y
		{0, 2, 3}, {0, 3, 1}, // -z
		{4, 5, 7}, {4, 7, 6}, // +z
	}
	return m
}
