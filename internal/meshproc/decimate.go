package meshproc

import (
	"container/heap"
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/orthogenesis/recon-cli/internal/mesh"
)

// MinDecimatedFaces is the floor for any decimation target.
const MinDecimatedFaces = 128

// DecimationTarget returns max(128, ratio·faces) and whether decimation
// should run at all.
func DecimationTarget(faces int, ratio float64) (int, bool) {
	target := max(MinDecimatedFaces, int(float64(faces)*ratio))
	if ratio >= 0.999 || target >= faces {
		return faces, false
	}
	return target, true
}

// quadric is a symmetric 4x4 error matrix stored as its upper triangle:
// a2 ab ac ad b2 bc bd c2 cd d2.
type quadric [10]float64

func planeQuadric(n r3.Vec, d float64) quadric {
	a, b, c := n.X, n.Y, n.Z
	return quadric{a * a, a * b, a * c, a * d, b * b, b * c, b * d, c * c, c * d, d * d}
}

func (q quadric) add(o quadric) quadric {
	for i := range q {
		q[i] += o[i]
	}
	return q
}

func (q quadric) eval(v r3.Vec) float64 {
	x, y, z := v.X, v.Y, v.Z
	return q[0]*x*x + 2*q[1]*x*y + 2*q[2]*x*z + 2*q[3]*x +
		q[4]*y*y + 2*q[5]*y*z + 2*q[6]*y +
		q[7]*z*z + 2*q[8]*z + q[9]
}

// optimum solves for the position minimizing the quadric.
func (q quadric) optimum() (r3.Vec, bool) {
	a := mat.NewSymDense(3, []float64{
		q[0], q[1], q[2],
		q[1], q[4], q[5],
		q[2], q[5], q[7],
	})
	b := mat.NewVecDense(3, []float64{-q[3], -q[6], -q[8]})
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return r3.Vec{}, false
	}
	v := r3.Vec{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	if math.IsNaN(v.X+v.Y+v.Z) || math.IsInf(v.X+v.Y+v.Z, 0) {
		return r3.Vec{}, false
	}
	return v, true
}

type collapse struct {
	cost     float64
	u, v     int
	pos      r3.Vec
	verU     int
	verV     int
	heapSlot int
}

type collapseHeap []*collapse

func (h collapseHeap) Len() int { return len(h) }
func (h collapseHeap) Less(i, j int) bool {
	if h[i].cost != h[j].cost {
		return h[i].cost < h[j].cost
	}
	if h[i].u != h[j].u {
		return h[i].u < h[j].u
	}
	return h[i].v < h[j].v
}
func (h collapseHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapSlot, h[j].heapSlot = i, j
}
func (h *collapseHeap) Push(x any) {
	c := x.(*collapse)
	c.heapSlot = len(*h)
	*h = append(*h, c)
}
func (h *collapseHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

type decimator struct {
	verts    []r3.Vec
	faces    [][3]int
	alive    []bool
	live     int
	vfaces   []map[int]struct{}
	quadrics []quadric
	version  []int
	dead     []bool
	queue    collapseHeap
}

// Decimate reduces m toward target faces with greedy quadric-error edge
// collapses. Collapses that flip a face or pinch the surface are rejected,
// so the result may stay above target.
func Decimate(m *mesh.Mesh, target int) (*mesh.Mesh, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if len(m.Faces) <= target {
		return m, nil
	}

	d := &decimator{
		verts:    append([]r3.Vec(nil), m.Vertices...),
		faces:    append([][3]int(nil), m.Faces...),
		alive:    make([]bool, len(m.Faces)),
		live:     len(m.Faces),
		vfaces:   make([]map[int]struct{}, len(m.Vertices)),
		quadrics: make([]quadric, len(m.Vertices)),
		version:  make([]int, len(m.Vertices)),
		dead:     make([]bool, len(m.Vertices)),
	}
	for i := range d.vfaces {
		d.vfaces[i] = make(map[int]struct{})
	}
	for fi, f := range d.faces {
		d.alive[fi] = true
		cross := r3.Cross(r3.Sub(d.verts[f[1]], d.verts[f[0]]), r3.Sub(d.verts[f[2]], d.verts[f[0]]))
		l := r3.Norm(cross)
		var q quadric
		if l > 0 {
			n := r3.Scale(1/l, cross)
			q = planeQuadric(n, -r3.Dot(n, d.verts[f[0]]))
		}
		for _, idx := range f {
			d.vfaces[idx][fi] = struct{}{}
			d.quadrics[idx] = d.quadrics[idx].add(q)
		}
	}

	seen := make(map[mesh.Edge]bool)
	for _, f := range d.faces {
		for k := 0; k < 3; k++ {
			e := mesh.NewEdge(f[k], f[(k+1)%3])
			if !seen[e] {
				seen[e] = true
				d.push(e.A, e.B)
			}
		}
	}

	for d.live > target && d.queue.Len() > 0 {
		c := heap.Pop(&d.queue).(*collapse)
		if d.dead[c.u] || d.dead[c.v] || c.verU != d.version[c.u] || c.verV != d.version[c.v] {
			continue
		}
		if !d.canCollapse(c) {
			continue
		}
		d.apply(c)
	}

	out := d.result(m)
	if len(out.Faces) == 0 {
		return nil, eris.New("decimate: collapsed to an empty mesh")
	}
	if err := out.Validate(); err != nil {
		return nil, eris.Wrap(err, "decimate: invalid result")
	}
	return out, nil
}

func (d *decimator) push(u, v int) {
	q := d.quadrics[u].add(d.quadrics[v])
	pu, pv := d.verts[u], d.verts[v]
	mid := r3.Scale(0.5, r3.Add(pu, pv))

	best, cost := mid, q.eval(mid)
	for _, cand := range []r3.Vec{pu, pv} {
		if c := q.eval(cand); c < cost {
			best, cost = cand, c
		}
	}
	if opt, ok := q.optimum(); ok && r3.Norm(r3.Sub(opt, mid)) <= r3.Norm(r3.Sub(pu, pv)) {
		if c := q.eval(opt); c < cost {
			best, cost = opt, c
		}
	}
	heap.Push(&d.queue, &collapse{
		cost: math.Max(cost, 0),
		u:    u, v: v,
		pos:  best,
		verU: d.version[u],
		verV: d.version[v],
	})
}

func (d *decimator) neighbors(v int) map[int]struct{} {
	out := make(map[int]struct{})
	for fi := range d.vfaces[v] {
		for _, idx := range d.faces[fi] {
			if idx != v {
				out[idx] = struct{}{}
			}
		}
	}
	return out
}

// canCollapse enforces the link condition (exactly two shared neighbours, as
// on a closed manifold) and rejects collapses that flip any surviving face.
func (d *decimator) canCollapse(c *collapse) bool {
	nu, nv := d.neighbors(c.u), d.neighbors(c.v)
	if _, ok := nu[c.v]; !ok {
		return false
	}
	shared := 0
	for n := range nu {
		if _, ok := nv[n]; ok {
			shared++
		}
	}
	if shared != 2 {
		return false
	}

	for _, vert := range []int{c.u, c.v} {
		for fi := range d.vfaces[vert] {
			f := d.faces[fi]
			if containsBoth(f, c.u, c.v) {
				continue
			}
			before := d.cross(f, -1, r3.Vec{})
			after := d.cross(f, vert, c.pos)
			if r3.Dot(before, after) <= 0 {
				return false
			}
		}
	}
	return true
}

func (d *decimator) cross(f [3]int, moved int, pos r3.Vec) r3.Vec {
	p := [3]r3.Vec{}
	for k, idx := range f {
		if idx == moved {
			p[k] = pos
		} else {
			p[k] = d.verts[idx]
		}
	}
	return r3.Cross(r3.Sub(p[1], p[0]), r3.Sub(p[2], p[0]))
}

func (d *decimator) apply(c *collapse) {
	d.verts[c.u] = c.pos
	d.quadrics[c.u] = d.quadrics[c.u].add(d.quadrics[c.v])
	d.dead[c.v] = true
	d.version[c.u]++
	d.version[c.v]++

	for fi := range d.vfaces[c.v] {
		f := d.faces[fi]
		if containsBoth(f, c.u, c.v) {
			d.alive[fi] = false
			d.live--
			for _, idx := range f {
				delete(d.vfaces[idx], fi)
			}
			continue
		}
		for k := range f {
			if f[k] == c.v {
				f[k] = c.u
			}
		}
		d.faces[fi] = f
		d.vfaces[c.u][fi] = struct{}{}
	}
	d.vfaces[c.v] = nil

	for n := range d.neighbors(c.u) {
		d.version[n]++
	}
	for n := range d.neighbors(c.u) {
		for m := range d.neighbors(n) {
			if !d.dead[m] {
				d.push(min(n, m), max(n, m))
			}
		}
	}
}

func (d *decimator) result(src *mesh.Mesh) *mesh.Mesh {
	remap := make([]int, len(d.verts))
	for i := range remap {
		remap[i] = -1
	}
	out := &mesh.Mesh{}
	for fi, f := range d.faces {
		if !d.alive[fi] {
			continue
		}
		var nf [3]int
		for k, idx := range f {
			if remap[idx] < 0 {
				remap[idx] = len(out.Vertices)
				out.Vertices = append(out.Vertices, d.verts[idx])
				if src.Normals != nil {
					out.Normals = append(out.Normals, src.Normals[idx])
				}
				if src.Colors != nil {
					out.Colors = append(out.Colors, src.Colors[idx])
				}
			}
			nf[k] = remap[idx]
		}
		out.Faces = append(out.Faces, nf)
	}
	return out
}

func containsBoth(f [3]int, a, b int) bool {
	hasA := f[0] == a || f[1] == a || f[2] == a
	hasB := f[0] == b || f[1] == b || f[2] == b
	return hasA && hasB
}
