package meshproc

import (
	"math"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/orthogenesis/recon-cli/internal/mesh"
	"github.com/orthogenesis/recon-cli/internal/resilience"
)

func cube(size float64) *mesh.Mesh {
	return mesh.Box(r3.Vec{}, r3.Vec{X: size, Y: size, Z: size})
}

// uvSphere builds a closed sphere with outward winding.
func uvSphere(radius float64, rings, segments int) *mesh.Mesh {
	m := &mesh.Mesh{}
	m.Vertices = append(m.Vertices, r3.Vec{Z: radius})
	for i := 1; i < rings; i++ {
		theta := math.Pi * float64(i) / float64(rings)
		for j := 0; j < segments; j++ {
			phi := 2 * math.Pi * float64(j) / float64(segments)
			m.Vertices = append(m.Vertices, r3.Vec{
				X: radius * math.Sin(theta) * math.Cos(phi),
				Y: radius * math.Sin(theta) * math.Sin(phi),
				Z: radius * math.Cos(theta),
			})
		}
	}
	south := len(m.Vertices)
	m.Vertices = append(m.Vertices, r3.Vec{Z: -radius})

	ring := func(i, j int) int { return 1 + (i-1)*segments + (j % segments) }
	for j := 0; j < segments; j++ {
		m.Faces = append(m.Faces, [3]int{0, ring(1, j), ring(1, j+1)})
	}
	for i := 1; i < rings-1; i++ {
		for j := 0; j < segments; j++ {
			a, b := ring(i, j), ring(i, j+1)
			c, d := ring(i+1, j), ring(i+1, j+1)
			m.Faces = append(m.Faces, [3]int{a, c, d}, [3]int{a, d, b})
		}
	}
	for j := 0; j < segments; j++ {
		m.Faces = append(m.Faces, [3]int{south, ring(rings-1, j+1), ring(rings-1, j)})
	}
	return m
}

func signedVolume(m *mesh.Mesh) float64 {
	var v float64
	for _, f := range m.Faces {
		v += r3.Dot(m.Vertices[f[0]], r3.Cross(m.Vertices[f[1]], m.Vertices[f[2]])) / 6
	}
	return v
}

func TestLookupProfile(t *testing.T) {
	assert.Equal(t, Profile{Name: "web", TargetRatio: 0.4, SmoothingIterations: 2, ScaleMode: ScaleConservative}, LookupProfile("web"))
	assert.Equal(t, ScalePrintMM, LookupProfile(" Print ").ScaleMode)
	assert.Equal(t, "clinical", LookupProfile("nope").Name)
	assert.Equal(t, "clinical", LookupProfile("").Name)
	assert.Len(t, ProfileNames(), 4)
}

func TestUVSphereFixture(t *testing.T) {
	s := uvSphere(12, 12, 16)
	require.Len(t, s.Faces, 352)
	assert.True(t, s.IsClosed())
	assert.Greater(t, signedVolume(s), 0.0)
}

func TestDecimationTarget(t *testing.T) {
	target, ok := DecimationTarget(352, 0.5)
	assert.True(t, ok)
	assert.Equal(t, 176, target)

	_, ok = DecimationTarget(12, 0.5)
	assert.False(t, ok, "floor of 128 exceeds the face count")

	_, ok = DecimationTarget(10000, 0.999)
	assert.False(t, ok)

	target, ok = DecimationTarget(200, 0.1)
	assert.True(t, ok)
	assert.Equal(t, MinDecimatedFaces, target)
}

func TestDecimate_Sphere(t *testing.T) {
	s := uvSphere(12, 12, 16)
	out, err := Decimate(s, 176)
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	assert.LessOrEqual(t, len(out.Faces), 176)
	assert.True(t, out.IsClosed())
	assert.Greater(t, signedVolume(out), 0.0)

	for _, v := range out.Vertices {
		assert.InDelta(t, 12, r3.Norm(v), 3.0)
	}
}

func TestDecimate_AlreadySmall(t *testing.T) {
	c := cube(1)
	out, err := Decimate(c, 128)
	require.NoError(t, err)
	assert.Same(t, c, out)
}

func TestTaubin(t *testing.T) {
	s := uvSphere(12, 12, 16)
	assert.Same(t, s, Taubin(s, 0))

	out := Taubin(s, 4)
	require.Len(t, out.Vertices, len(s.Vertices))
	assert.Equal(t, s.Faces, out.Faces)
	assert.NotEqual(t, s.Vertices, out.Vertices)
	// Taubin keeps volume close where plain Laplacian smoothing would shrink it.
	assert.InEpsilon(t, signedVolume(s), signedVolume(out), 0.1)
	assert.Equal(t, uvSphere(12, 12, 16).Vertices, s.Vertices, "input must not be modified")
}

func TestRescaleUnits(t *testing.T) {
	tests := []struct {
		name   string
		size   float64
		mode   ScaleMode
		factor float64
	}{
		{"print small", 2, ScalePrintMM, 100},
		{"print large", 2000, ScalePrintMM, 0.1},
		{"print in range", 50, ScalePrintMM, 1},
		{"conservative large", 2000, ScaleConservative, 1},
		{"conservative huge", 6000, ScaleConservative, 0.1},
		{"conservative small", 2, ScaleConservative, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := cube(tt.size)
			got := RescaleUnits(m, tt.mode)
			assert.Equal(t, tt.factor, got)
			assert.InDelta(t, tt.size*tt.factor, m.MaxExtent(), 1e-9)
		})
	}
}

func TestConvertUnits(t *testing.T) {
	m := cube(2)
	require.NoError(t, ConvertUnits(m, "in"))
	assert.InDelta(t, 50.8, m.MaxExtent(), 1e-9)

	err := ConvertUnits(cube(1), "furlong")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestRepair_RemovesJunk(t *testing.T) {
	m := cube(1)
	m.Vertices = append(m.Vertices, r3.Vec{X: 9, Y: 9, Z: 9}) // unreferenced
	m.Faces = append(m.Faces,
		[3]int{0, 0, 1}, // repeated index
		[3]int{6, 0, 4}, // duplicate of {0,4,6}
		[3]int{0, 1, 1}, // repeated index
	)
	out := Repair(m, 0)
	assert.Len(t, out.Vertices, 8)
	assert.Len(t, out.Faces, 12)
	assert.True(t, out.IsClosed())
}

func TestRepair_MergesAndFills(t *testing.T) {
	c := cube(1)
	// Split the cube into a soup and drop one face to leave a hole.
	soup := &mesh.Mesh{}
	for _, f := range c.Faces[:11] {
		base := len(soup.Vertices)
		for _, idx := range f {
			soup.Vertices = append(soup.Vertices, c.Vertices[idx])
		}
		soup.Faces = append(soup.Faces, [3]int{base, base + 1, base + 2})
	}
	require.False(t, soup.IsClosed())

	out := Repair(soup, 1e-6)
	assert.Len(t, out.Vertices, 8)
	assert.Len(t, out.Faces, 12)
	assert.True(t, out.IsClosed())
	assert.InDelta(t, 1.0, signedVolume(out), 1e-9)
}

func TestRepair_FailingStepIsSkipped(t *testing.T) {
	saved := repairSteps
	t.Cleanup(func() { repairSteps = saved })
	repairSteps = append([]repairStep{{
		name: "explode",
		fn: func(*mesh.Mesh, float64) (*mesh.Mesh, error) {
			return nil, eris.New("boom")
		},
	}}, saved...)

	m := cube(1)
	m.Faces = m.Faces[:11]
	out := Repair(m, 0)
	assert.True(t, out.IsClosed(), "later steps still run")
}

func TestFillHoles_LeavesNonManifoldAlone(t *testing.T) {
	m := cube(1)
	m.Faces = append(m.Faces, m.Faces[0], m.Faces[0])
	_, err := fillHoles(m)
	assert.Error(t, err)
}

func TestLargestComponent(t *testing.T) {
	small := cube(1)
	big := mesh.Box(r3.Vec{X: 5}, r3.Vec{X: 8, Y: 3, Z: 3})
	m := mesh.Concatenate(small, big)

	out := LargestComponent(m)
	assert.Len(t, out.Faces, 12)
	lo, _, _ := out.Bounds()
	assert.Equal(t, 5.0, lo.X)
	assert.Len(t, out.Vertices, 16, "vertices are kept until repair")
}

func TestLargestComponent_TieKeepsFirst(t *testing.T) {
	a := cube(1)
	b := mesh.Box(r3.Vec{X: 5}, r3.Vec{X: 6, Y: 1, Z: 1})
	out := LargestComponent(mesh.Concatenate(a, b))
	require.Len(t, out.Faces, 12)
	assert.Equal(t, a.Faces, out.Faces)
}

func TestConvert_CubeRoundTrip(t *testing.T) {
	obj := mesh.EncodeOBJ(cube(1))

	glb, err := Convert(obj, "obj", "gltf", "draft")
	require.NoError(t, err)
	parts, err := mesh.DecodeGLB(glb)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Len(t, parts[0].Vertices, 8)
	assert.Len(t, parts[0].Faces, 12)
	assert.True(t, parts[0].IsClosed())
	assert.Len(t, parts[0].Normals, 8)

	stl, err := Convert(glb, "glb", "stl", "draft")
	require.NoError(t, err)
	back, err := Convert(stl, "stl", "obj", "draft")
	require.NoError(t, err)
	objParts, err := mesh.DecodeOBJ(back)
	require.NoError(t, err)
	require.Len(t, objParts, 1)
	assert.Len(t, objParts[0].Vertices, 8)
	assert.True(t, objParts[0].IsClosed())
}

func TestConvert_UnknownProfileUsesClinical(t *testing.T) {
	obj := mesh.EncodeOBJ(uvSphere(12, 12, 16))
	a, err := Convert(obj, "obj", "obj", "no-such-profile")
	require.NoError(t, err)
	b, err := Convert(obj, "obj", "obj", "clinical")
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestConvert_WithUnits(t *testing.T) {
	obj := mesh.EncodeOBJ(cube(2))
	extent := func(opts ...Option) float64 {
		out, err := Convert(obj, "obj", "obj", "print", opts...)
		require.NoError(t, err)
		parts, err := mesh.DecodeOBJ(out)
		require.NoError(t, err)
		return parts[0].MaxExtent()
	}
	mm := extent(WithUnits("mm"))
	cm := extent(WithUnits("cm"))
	// Exact conversion replaces the print_mm ×100 guess for small parts.
	assert.Less(t, mm, 5.0)
	assert.InEpsilon(t, 10*mm, cm, 1e-6)
	assert.InEpsilon(t, 100*mm, extent(), 1e-6)

	_, err := Convert(obj, "obj", "obj", "print", WithUnits("parsec"))
	assert.True(t, resilience.IsPermanent(err))
}

func TestConvert_Errors(t *testing.T) {
	_, err := Convert([]byte("x"), "fbx", "obj", "draft")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))

	_, err = Convert(mesh.EncodeOBJ(cube(1)), "obj", "ply", "draft")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))

	_, err = Convert([]byte("v 0 0 0\n"), "obj", "stl", "draft")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}
