package meshproc

import (
	"math"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/mesh"
)

// DefaultMergeTolerance is the grid size used to detect coincident vertices.
const DefaultMergeTolerance = 1e-8

type repairStep struct {
	name string
	fn   func(m *mesh.Mesh, tol float64) (*mesh.Mesh, error)
}

var repairSteps = []repairStep{
	{"remove_unreferenced_vertices", func(m *mesh.Mesh, _ float64) (*mesh.Mesh, error) { return removeUnreferenced(m), nil }},
	{"remove_degenerate_faces", func(m *mesh.Mesh, _ float64) (*mesh.Mesh, error) { return removeDegenerate(m), nil }},
	{"remove_duplicate_faces", func(m *mesh.Mesh, _ float64) (*mesh.Mesh, error) { return removeDuplicateFaces(m), nil }},
	{"merge_vertices", mergeVertices},
	{"fill_holes", func(m *mesh.Mesh, _ float64) (*mesh.Mesh, error) { return fillHoles(m) }},
}

// Repair runs every repair step in order. A step that fails is logged and
// skipped; the mesh from the previous step carries on.
func Repair(m *mesh.Mesh, tol float64) *mesh.Mesh {
	if tol <= 0 {
		tol = DefaultMergeTolerance
	}
	for _, step := range repairSteps {
		out, err := step.fn(m, tol)
		if err != nil {
			zap.L().Debug("mesh repair step skipped", zap.String("step", step.name), zap.Error(err))
			continue
		}
		m = out
	}
	return m
}

// removeUnreferenced compacts the vertex arrays to the vertices used by faces,
// keeping their relative order.
func removeUnreferenced(m *mesh.Mesh) *mesh.Mesh {
	used := m.ReferencedVertices()
	remap := make([]int, len(m.Vertices))
	out := &mesh.Mesh{}
	for i, ok := range used {
		if !ok {
			remap[i] = -1
			continue
		}
		remap[i] = len(out.Vertices)
		out.Vertices = append(out.Vertices, m.Vertices[i])
		if m.Normals != nil {
			out.Normals = append(out.Normals, m.Normals[i])
		}
		if m.Colors != nil {
			out.Colors = append(out.Colors, m.Colors[i])
		}
	}
	out.Faces = make([][3]int, len(m.Faces))
	for i, f := range m.Faces {
		out.Faces[i] = [3]int{remap[f[0]], remap[f[1]], remap[f[2]]}
	}
	return out
}

// removeDegenerate drops faces with repeated indices or zero area.
func removeDegenerate(m *mesh.Mesh) *mesh.Mesh {
	out := shallowWithFaces(m, make([][3]int, 0, len(m.Faces)))
	for _, f := range m.Faces {
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			continue
		}
		if m.FaceArea(f) <= 0 {
			continue
		}
		out.Faces = append(out.Faces, f)
	}
	return out
}

// removeDuplicateFaces keeps the first face of each vertex set.
func removeDuplicateFaces(m *mesh.Mesh) *mesh.Mesh {
	seen := make(map[[3]int]struct{}, len(m.Faces))
	out := shallowWithFaces(m, make([][3]int, 0, len(m.Faces)))
	for _, f := range m.Faces {
		key := f
		slices.Sort(key[:])
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Faces = append(out.Faces, f)
	}
	return out
}

// mergeVertices welds vertices that fall in the same tol-sized grid cell. The
// first vertex in each cell keeps its attributes; faces that collapse onto a
// repeated index are dropped.
func mergeVertices(m *mesh.Mesh, tol float64) (*mesh.Mesh, error) {
	const limit = 1 << 52
	type cell [3]int64
	index := make(map[cell]int, len(m.Vertices))
	remap := make([]int, len(m.Vertices))
	out := &mesh.Mesh{}
	for i, v := range m.Vertices {
		qx, qy, qz := math.Round(v.X/tol), math.Round(v.Y/tol), math.Round(v.Z/tol)
		if math.Abs(qx) > limit || math.Abs(qy) > limit || math.Abs(qz) > limit || math.IsNaN(qx+qy+qz) {
			return nil, eris.Errorf("merge: vertex %d out of range for tolerance %g", i, tol)
		}
		key := cell{int64(qx), int64(qy), int64(qz)}
		if j, ok := index[key]; ok {
			remap[i] = j
			continue
		}
		j := len(out.Vertices)
		index[key] = j
		remap[i] = j
		out.Vertices = append(out.Vertices, v)
		if m.Normals != nil {
			out.Normals = append(out.Normals, m.Normals[i])
		}
		if m.Colors != nil {
			out.Colors = append(out.Colors, m.Colors[i])
		}
	}
	out.Faces = make([][3]int, 0, len(m.Faces))
	for _, f := range m.Faces {
		nf := [3]int{remap[f[0]], remap[f[1]], remap[f[2]]}
		if nf[0] == nf[1] || nf[1] == nf[2] || nf[0] == nf[2] {
			continue
		}
		out.Faces = append(out.Faces, nf)
	}
	return out, nil
}

// fillHoles closes each simple boundary loop with a triangle fan wound
// opposite to the loop's existing edges. Loops through a vertex with more
// than one outgoing boundary edge are left open.
func fillHoles(m *mesh.Mesh) (*mesh.Mesh, error) {
	counts := m.EdgeCounts()
	next := make(map[int]int)
	ambiguous := make(map[int]bool)
	for _, f := range m.Faces {
		for k := 0; k < 3; k++ {
			u, v := f[k], f[(k+1)%3]
			c := counts[mesh.NewEdge(u, v)]
			if c > 2 {
				return nil, eris.New("fill holes: non-manifold edge")
			}
			if c != 1 {
				continue
			}
			// The hole runs opposite to the face's boundary edge.
			if _, exists := next[v]; exists {
				ambiguous[v] = true
			}
			next[v] = u
		}
	}
	if len(next) == 0 {
		return m, nil
	}

	out := shallowWithFaces(m, slices.Clone(m.Faces))
	visited := make(map[int]bool, len(next))
	starts := make([]int, 0, len(next))
	for v := range next {
		starts = append(starts, v)
	}
	slices.Sort(starts)

	for _, start := range starts {
		if visited[start] {
			continue
		}
		loop := []int{start}
		visited[start] = true
		ok := !ambiguous[start]
		cur := next[start]
		for cur != start {
			nxt, has := next[cur]
			if !has || visited[cur] || ambiguous[cur] {
				ok = false
				break
			}
			visited[cur] = true
			loop = append(loop, cur)
			cur = nxt
		}
		if !ok || len(loop) < 3 {
			continue
		}
		for i := 1; i+1 < len(loop); i++ {
			out.Faces = append(out.Faces, [3]int{loop[0], loop[i], loop[i+1]})
		}
	}
	return out, nil
}

func shallowWithFaces(m *mesh.Mesh, faces [][3]int) *mesh.Mesh {
	return &mesh.Mesh{Vertices: m.Vertices, Normals: m.Normals, Colors: m.Colors, Faces: faces}
}
