package mesh

import (
	"bytes"

	"github.com/rotisserie/eris"
	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/gonum/spatial/r3"
)

// EncodeSTL writes a binary STL. Per-vertex attributes are dropped.
func EncodeSTL(m *Mesh) []byte {
	tris := make([]*model3d.Triangle, 0, len(m.Faces))
	for _, f := range m.Faces {
		t := &model3d.Triangle{}
		for k, idx := range f {
			v := m.Vertices[idx]
			t[k] = model3d.Coord3D{X: v.X, Y: v.Y, Z: v.Z}
		}
		tris = append(tris, t)
	}
	return model3d.EncodeSTL(tris)
}

// DecodeSTL reads an STL file as an unmerged triangle soup: every facet gets
// three fresh vertices.
func DecodeSTL(data []byte) (*Mesh, error) {
	tris, err := model3d.ReadSTL(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "stl: read")
	}
	if len(tris) == 0 {
		return nil, eris.New("stl: no facets")
	}
	m := &Mesh{
		Vertices: make([]r3.Vec, 0, len(tris)*3),
		Faces:    make([][3]int, 0, len(tris)),
	}
	for _, t := range tris {
		base := len(m.Vertices)
		for _, c := range t {
			m.Vertices = append(m.Vertices, r3.Vec{X: c.X, Y: c.Y, Z: c.Z})
		}
		m.Faces = append(m.Faces, [3]int{base, base + 1, base + 2})
	}
	return m, nil
}
