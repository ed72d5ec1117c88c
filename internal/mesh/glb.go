package mesh

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/orthogenesis/recon-cli/internal/resilience"
)

const (
	glbMagic     = 0x46546C67
	glbVersion   = 2
	glbChunkJSON = 0x4E4F534A
	glbChunkBIN  = 0x004E4942
	glbHeaderLen = 12

	componentByte   = 5120
	componentUByte  = 5121
	componentShort  = 5122
	componentUShort = 5123
	componentUInt   = 5125
	componentFloat  = 5126

	targetArrayBuffer        = 34962
	targetElementArrayBuffer = 34963

	modeTriangles = 4
)

type gltfDoc struct {
	Asset       gltfAsset        `json:"asset"`
	Scene       *int             `json:"scene,omitempty"`
	Scenes      []gltfScene      `json:"scenes,omitempty"`
	Nodes       []gltfNode       `json:"nodes,omitempty"`
	Meshes      []gltfMesh       `json:"meshes"`
	Accessors   []gltfAccessor   `json:"accessors"`
	BufferViews []gltfBufferView `json:"bufferViews"`
	Buffers     []gltfBuffer     `json:"buffers"`
}

type gltfAsset struct {
	Version   string `json:"version"`
	Generator string `json:"generator,omitempty"`
}

type gltfScene struct {
	Nodes []int `json:"nodes"`
}

type gltfNode struct {
	Mesh *int `json:"mesh,omitempty"`
}

type gltfMesh struct {
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    *int           `json:"indices,omitempty"`
	Mode       *int           `json:"mode,omitempty"`
}

type gltfAccessor struct {
	BufferView    *int      `json:"bufferView,omitempty"`
	ByteOffset    int       `json:"byteOffset,omitempty"`
	ComponentType int       `json:"componentType"`
	Normalized    bool      `json:"normalized,omitempty"`
	Count         int       `json:"count"`
	Type          string    `json:"type"`
	Min           []float64 `json:"min,omitempty"`
	Max           []float64 `json:"max,omitempty"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset,omitempty"`
	ByteLength int `json:"byteLength"`
	ByteStride int `json:"byteStride,omitempty"`
	Target     int `json:"target,omitempty"`
}

type gltfBuffer struct {
	ByteLength int `json:"byteLength"`
}

// EncodeGLB writes a single-mesh glTF 2.0 binary with positions, optional
// normals and colors, and 32-bit indices.
func EncodeGLB(m *Mesh) ([]byte, error) {
	var bin bytes.Buffer
	doc := gltfDoc{
		Asset:  gltfAsset{Version: "2.0", Generator: "recon-cli"},
		Scene:  intPtr(0),
		Scenes: []gltfScene{{Nodes: []int{0}}},
		Nodes:  []gltfNode{{Mesh: intPtr(0)}},
	}
	addView := func(data []byte, target int) int {
		for bin.Len()%4 != 0 {
			bin.WriteByte(0)
		}
		doc.BufferViews = append(doc.BufferViews, gltfBufferView{
			ByteOffset: bin.Len(),
			ByteLength: len(data),
			Target:     target,
		})
		bin.Write(data)
		return len(doc.BufferViews) - 1
	}
	addAccessor := func(a gltfAccessor) int {
		doc.Accessors = append(doc.Accessors, a)
		return len(doc.Accessors) - 1
	}

	prim := gltfPrimitive{Attributes: map[string]int{}, Mode: intPtr(modeTriangles)}

	lo := []float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := []float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	pos := make([]byte, 0, len(m.Vertices)*12)
	for _, v := range m.Vertices {
		for k, c := range [3]float64{v.X, v.Y, v.Z} {
			f := float32(c)
			lo[k] = math.Min(lo[k], float64(f))
			hi[k] = math.Max(hi[k], float64(f))
			pos = binary.LittleEndian.AppendUint32(pos, math.Float32bits(f))
		}
	}
	if len(m.Vertices) == 0 {
		lo, hi = nil, nil
	}
	prim.Attributes["POSITION"] = addAccessor(gltfAccessor{
		BufferView:    intPtr(addView(pos, targetArrayBuffer)),
		ComponentType: componentFloat,
		Count:         len(m.Vertices),
		Type:          "VEC3",
		Min:           lo,
		Max:           hi,
	})

	if m.Normals != nil {
		nb := make([]byte, 0, len(m.Normals)*12)
		for _, n := range m.Normals {
			for _, c := range [3]float64{n.X, n.Y, n.Z} {
				nb = binary.LittleEndian.AppendUint32(nb, math.Float32bits(float32(c)))
			}
		}
		prim.Attributes["NORMAL"] = addAccessor(gltfAccessor{
			BufferView:    intPtr(addView(nb, targetArrayBuffer)),
			ComponentType: componentFloat,
			Count:         len(m.Normals),
			Type:          "VEC3",
		})
	}

	if m.Colors != nil {
		cb := make([]byte, 0, len(m.Colors)*4)
		for _, c := range m.Colors {
			cb = append(cb, c[:]...)
		}
		prim.Attributes["COLOR_0"] = addAccessor(gltfAccessor{
			BufferView:    intPtr(addView(cb, targetArrayBuffer)),
			ComponentType: componentUByte,
			Normalized:    true,
			Count:         len(m.Colors),
			Type:          "VEC4",
		})
	}

	ib := make([]byte, 0, len(m.Faces)*12)
	for _, f := range m.Faces {
		for _, idx := range f {
			ib = binary.LittleEndian.AppendUint32(ib, uint32(idx))
		}
	}
	prim.Indices = intPtr(addAccessor(gltfAccessor{
		BufferView:    intPtr(addView(ib, targetElementArrayBuffer)),
		ComponentType: componentUInt,
		Count:         len(m.Faces) * 3,
		Type:          "SCALAR",
	}))

	for bin.Len()%4 != 0 {
		bin.WriteByte(0)
	}
	doc.Meshes = []gltfMesh{{Primitives: []gltfPrimitive{prim}}}
	doc.Buffers = []gltfBuffer{{ByteLength: bin.Len()}}

	js, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "glb: marshal json")
	}
	for len(js)%4 != 0 {
		js = append(js, ' ')
	}

	total := glbHeaderLen + 8 + len(js) + 8 + bin.Len()
	out := make([]byte, 0, total)
	out = binary.LittleEndian.AppendUint32(out, glbMagic)
	out = binary.LittleEndian.AppendUint32(out, glbVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(js)))
	out = binary.LittleEndian.AppendUint32(out, glbChunkJSON)
	out = append(out, js...)
	out = binary.LittleEndian.AppendUint32(out, uint32(bin.Len()))
	out = binary.LittleEndian.AppendUint32(out, glbChunkBIN)
	out = append(out, bin.Bytes()...)
	return out, nil
}

// DecodeGLB reads every triangle primitive of a glTF 2.0 binary as its own
// mesh. Node transforms are not applied.
func DecodeGLB(data []byte) ([]*Mesh, error) {
	if len(data) < glbHeaderLen+8 {
		return nil, eris.New("glb: file too short")
	}
	if binary.LittleEndian.Uint32(data[0:4]) != glbMagic {
		return nil, eris.New("glb: bad magic")
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != glbVersion {
		return nil, eris.Errorf("glb: unsupported version %d", v)
	}

	var (
		doc gltfDoc
		bin []byte
		js  []byte
	)
	off := glbHeaderLen
	for off+8 <= len(data) {
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		kind := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8
		if n < 0 || off+n > len(data) {
			return nil, eris.New("glb: chunk overruns file")
		}
		switch kind {
		case glbChunkJSON:
			js = data[off : off+n]
		case glbChunkBIN:
			if bin == nil {
				bin = data[off : off+n]
			}
		}
		off += n
	}
	if js == nil {
		return nil, eris.New("glb: missing json chunk")
	}
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, eris.Wrap(err, "glb: parse json")
	}

	var parts []*Mesh
	for mi, gm := range doc.Meshes {
		for pi, prim := range gm.Primitives {
			if prim.Mode != nil && *prim.Mode != modeTriangles {
				continue
			}
			m, err := decodePrimitive(&doc, bin, prim)
			if err != nil {
				return nil, eris.Wrapf(err, "glb: mesh %d primitive %d", mi, pi)
			}
			parts = append(parts, m)
		}
	}
	if len(parts) == 0 {
		return nil, eris.New("glb: no triangle primitives")
	}
	return parts, nil
}

func decodePrimitive(doc *gltfDoc, bin []byte, prim gltfPrimitive) (*Mesh, error) {
	posIdx, ok := prim.Attributes["POSITION"]
	if !ok {
		return nil, eris.New("missing POSITION")
	}
	pos, err := readAccessor(doc, bin, posIdx)
	if err != nil {
		return nil, eris.Wrap(err, "POSITION")
	}
	m := &Mesh{Vertices: make([]r3.Vec, len(pos))}
	for i, p := range pos {
		if len(p) < 3 {
			return nil, eris.New("POSITION is not VEC3")
		}
		m.Vertices[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}

	if ni, ok := prim.Attributes["NORMAL"]; ok {
		ns, err := readAccessor(doc, bin, ni)
		if err != nil {
			return nil, eris.Wrap(err, "NORMAL")
		}
		if len(ns) == len(pos) {
			m.Normals = make([]r3.Vec, len(ns))
			for i, n := range ns {
				if len(n) >= 3 {
					m.Normals[i] = r3.Vec{X: n[0], Y: n[1], Z: n[2]}
				}
			}
		}
	}

	if ci, ok := prim.Attributes["COLOR_0"]; ok {
		cs, err := readAccessor(doc, bin, ci)
		if err != nil {
			return nil, eris.Wrap(err, "COLOR_0")
		}
		if len(cs) == len(pos) {
			m.Colors = make([][4]uint8, len(cs))
			for i, c := range cs {
				rgba := [4]uint8{0, 0, 0, 255}
				for k := 0; k < len(c) && k < 4; k++ {
					rgba[k] = uint8(math.Round(math.Min(math.Max(c[k], 0), 1) * 255))
				}
				m.Colors[i] = rgba
			}
		}
	}

	if prim.Indices != nil {
		idx, err := readAccessor(doc, bin, *prim.Indices)
		if err != nil {
			return nil, eris.Wrap(err, "indices")
		}
		for i := 0; i+2 < len(idx); i += 3 {
			m.Faces = append(m.Faces, [3]int{int(idx[i][0]), int(idx[i+1][0]), int(idx[i+2][0])})
		}
	} else {
		for i := 0; i+2 < len(pos); i += 3 {
			m.Faces = append(m.Faces, [3]int{i, i + 1, i + 2})
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

var typeComponents = map[string]int{"SCALAR": 1, "VEC2": 2, "VEC3": 3, "VEC4": 4}

// maxZeroRows caps accessors that have no buffer view behind them.
const maxZeroRows = 1 << 24

// readAccessor returns count rows of component values. Normalized integer
// components are mapped to [0,1] (unsigned) or [-1,1] (signed).
func readAccessor(doc *gltfDoc, bin []byte, index int) ([][]float64, error) {
	if index < 0 || index >= len(doc.Accessors) {
		return nil, eris.Errorf("accessor %d out of range", index)
	}
	acc := doc.Accessors[index]
	comps, ok := typeComponents[acc.Type]
	if !ok {
		return nil, eris.Errorf("unsupported accessor type %q", acc.Type)
	}
	size := componentSize(acc.ComponentType)
	if size == 0 {
		return nil, eris.Errorf("unsupported component type %d", acc.ComponentType)
	}
	if acc.Count < 0 || acc.ByteOffset < 0 {
		return nil, resilience.Permanent(eris.Errorf("accessor %d: negative count or byteOffset", index))
	}
	if acc.BufferView == nil {
		// Zero-filled accessors carry no data, so bound them by the row cap.
		if acc.Count > maxZeroRows {
			return nil, resilience.Permanent(eris.Errorf("accessor %d: count %d without buffer view", index, acc.Count))
		}
		out := make([][]float64, acc.Count)
		for i := range out {
			out[i] = make([]float64, comps)
		}
		return out, nil
	}
	if *acc.BufferView < 0 || *acc.BufferView >= len(doc.BufferViews) {
		return nil, eris.Errorf("buffer view %d out of range", *acc.BufferView)
	}
	view := doc.BufferViews[*acc.BufferView]
	elem := size * comps
	stride := view.ByteStride
	if stride == 0 {
		stride = elem
	}
	if view.ByteOffset < 0 || view.ByteLength < 0 || stride < elem {
		return nil, resilience.Permanent(eris.Errorf("buffer view %d: bad offset, length or stride", *acc.BufferView))
	}
	base := view.ByteOffset + acc.ByteOffset
	if acc.Count > 0 {
		limit := min(len(bin), view.ByteOffset+view.ByteLength)
		// The last row must end inside both the view and the BIN chunk.
		// Divide rather than multiply so a huge count cannot overflow.
		if base < 0 || base > limit-elem || (acc.Count-1) > (limit-base-elem)/stride {
			return nil, resilience.Permanent(eris.Errorf("accessor %d overruns buffer", index))
		}
	}

	out := make([][]float64, acc.Count)
	for i := range out {
		row := make([]float64, comps)
		for k := 0; k < comps; k++ {
			at := base + i*stride + k*size
			row[k] = readComponent(bin[at:at+size], acc.ComponentType, acc.Normalized)
		}
		out[i] = row
	}
	return out, nil
}

func componentSize(ct int) int {
	switch ct {
	case componentByte, componentUByte:
		return 1
	case componentShort, componentUShort:
		return 2
	case componentUInt, componentFloat:
		return 4
	default:
		return 0
	}
}

func readComponent(b []byte, ct int, normalized bool) float64 {
	switch ct {
	case componentByte:
		v := float64(int8(b[0]))
		if normalized {
			return math.Max(v/127, -1)
		}
		return v
	case componentUByte:
		v := float64(b[0])
		if normalized {
			return v / 255
		}
		return v
	case componentShort:
		v := float64(int16(binary.LittleEndian.Uint16(b)))
		if normalized {
			return math.Max(v/32767, -1)
		}
		return v
	case componentUShort:
		v := float64(binary.LittleEndian.Uint16(b))
		if normalized {
			return v / 65535
		}
		return v
	case componentUInt:
		return float64(binary.LittleEndian.Uint32(b))
	default:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
}

func intPtr(v int) *int { return &v }
