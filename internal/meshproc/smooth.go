package meshproc

import (
	"maps"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/orthogenesis/recon-cli/internal/mesh"
)

// Taubin shrink and inflate factors.
const (
	TaubinLambda = 0.5
	TaubinNu     = -0.53
)

// Taubin applies volume-preserving Laplacian smoothing. Each iteration is a
// shrink pass with TaubinLambda followed by an inflate pass with TaubinNu.
// Faces are untouched. Zero iterations returns m unchanged.
func Taubin(m *mesh.Mesh, iterations int) *mesh.Mesh {
	if iterations <= 0 || len(m.Faces) == 0 {
		return m
	}
	sets := make([]map[int]struct{}, len(m.Vertices))
	for _, f := range m.Faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			if sets[a] == nil {
				sets[a] = make(map[int]struct{})
			}
			if sets[b] == nil {
				sets[b] = make(map[int]struct{})
			}
			sets[a][b] = struct{}{}
			sets[b][a] = struct{}{}
		}
	}
	// Sorted neighbour lists keep the float sums, and so the output bytes,
	// stable between runs.
	adj := make([][]int, len(sets))
	for i, set := range sets {
		adj[i] = slices.Sorted(maps.Keys(set))
	}

	out := m.Clone()
	for i := 0; i < iterations; i++ {
		out.Vertices = laplacianPass(out.Vertices, adj, TaubinLambda)
		out.Vertices = laplacianPass(out.Vertices, adj, TaubinNu)
	}
	return out
}

func laplacianPass(verts []r3.Vec, adj [][]int, factor float64) []r3.Vec {
	next := make([]r3.Vec, len(verts))
	for i, v := range verts {
		if len(adj[i]) == 0 {
			next[i] = v
			continue
		}
		var sum r3.Vec
		for _, n := range adj[i] {
			sum = r3.Add(sum, verts[n])
		}
		avg := r3.Scale(1/float64(len(adj[i])), sum)
		next[i] = r3.Add(v, r3.Scale(factor, r3.Sub(avg, v)))
	}
	return next
}
