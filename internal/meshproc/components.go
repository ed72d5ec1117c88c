package meshproc

import "github.com/orthogenesis/recon-cli/internal/mesh"

// LargestComponent keeps the edge-connected face group with the largest
// surface area. Ties go to the group containing the lowest face index.
// Vertices are left in place; a later repair drops the unreferenced ones.
func LargestComponent(m *mesh.Mesh) *mesh.Mesh {
	if len(m.Faces) == 0 {
		return m
	}
	parent := make([]int, len(m.Faces))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	firstFace := make(map[mesh.Edge]int, len(m.Faces)*3/2)
	for fi, f := range m.Faces {
		for k := 0; k < 3; k++ {
			e := mesh.NewEdge(f[k], f[(k+1)%3])
			if other, ok := firstFace[e]; ok {
				union(fi, other)
			} else {
				firstFace[e] = fi
			}
		}
	}

	area := make(map[int]float64)
	var order []int
	for fi, f := range m.Faces {
		root := find(fi)
		if _, ok := area[root]; !ok {
			order = append(order, root)
		}
		area[root] += m.FaceArea(f)
	}
	if len(order) == 1 {
		return m
	}
	best := order[0]
	for _, root := range order[1:] {
		if area[root] > area[best] {
			best = root
		}
	}

	out := m.Clone()
	out.Faces = out.Faces[:0]
	for fi, f := range m.Faces {
		if find(fi) == best {
			out.Faces = append(out.Faces, f)
		}
	}
	return out
}
