package mesh

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/spatial/r3"
)

// EncodeOBJ writes positions (with vertex colors when present), normals and
// faces. Output is deterministic for a given mesh.
func EncodeOBJ(m *Mesh) []byte {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

	for i, v := range m.Vertices {
		w.WriteString("v " + ff(v.X) + " " + ff(v.Y) + " " + ff(v.Z))
		if m.Colors != nil {
			c := m.Colors[i]
			for _, ch := range c[:3] {
				w.WriteString(" " + ff(float64(ch)/255))
			}
		}
		w.WriteByte('\n')
	}
	for _, n := range m.Normals {
		w.WriteString("vn " + ff(n.X) + " " + ff(n.Y) + " " + ff(n.Z) + "\n")
	}
	for _, f := range m.Faces {
		w.WriteString("f")
		for _, idx := range f {
			s := strconv.Itoa(idx + 1)
			if m.Normals != nil {
				s += "//" + s
			}
			w.WriteString(" " + s)
		}
		w.WriteByte('\n')
	}
	w.Flush()
	return buf.Bytes()
}

// DecodeOBJ reads an OBJ file. Each "o" or "g" statement that follows faces
// starts a new mesh; polygons are fan-triangulated. Vertex indices are global
// in OBJ, so every returned mesh is compacted to the vertices it uses.
func DecodeOBJ(data []byte) ([]*Mesh, error) {
	var (
		verts   []r3.Vec
		colors  [][4]uint8
		hasRGB  = true
		groups  [][][3]int
		current [][3]int
	)
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, eris.Errorf("obj: line %d: vertex needs 3 coordinates", line)
			}
			xyz, err := parseFloats(fields[1:4])
			if err != nil {
				return nil, eris.Wrapf(err, "obj: line %d", line)
			}
			verts = append(verts, r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]})
			var c [4]uint8
			c[3] = 255
			if len(fields) >= 7 {
				rgb, err := parseFloats(fields[4:7])
				if err != nil {
					return nil, eris.Wrapf(err, "obj: line %d", line)
				}
				for k, ch := range rgb {
					c[k] = uint8(min(max(ch*255+0.5, 0), 255))
				}
			} else {
				hasRGB = false
			}
			colors = append(colors, c)
		case "f":
			if len(fields) < 4 {
				return nil, eris.Errorf("obj: line %d: face needs 3 vertices", line)
			}
			idx := make([]int, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				ref, _, _ := strings.Cut(tok, "/")
				n, err := strconv.Atoi(ref)
				if err != nil {
					return nil, eris.Wrapf(err, "obj: line %d: face index", line)
				}
				switch {
				case n > 0:
					n--
				case n < 0:
					n += len(verts)
				default:
					return nil, eris.Errorf("obj: line %d: zero face index", line)
				}
				if n < 0 || n >= len(verts) {
					return nil, eris.Errorf("obj: line %d: face index out of range", line)
				}
				idx = append(idx, n)
			}
			for k := 1; k+1 < len(idx); k++ {
				current = append(current, [3]int{idx[0], idx[k], idx[k+1]})
			}
		case "o", "g":
			flush()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "obj: scan")
	}
	flush()

	if len(groups) == 0 {
		return nil, eris.New("obj: no faces")
	}
	if !hasRGB || len(colors) == 0 {
		colors = nil
	}

	parts := make([]*Mesh, 0, len(groups))
	for _, faces := range groups {
		parts = append(parts, compact(verts, colors, faces))
	}
	return parts, nil
}

// compact builds a mesh from the vertices referenced by faces, preserving
// first-use order.
func compact(verts []r3.Vec, colors [][4]uint8, faces [][3]int) *Mesh {
	remap := make(map[int]int)
	out := &Mesh{Faces: make([][3]int, len(faces))}
	for i, f := range faces {
		for k, idx := range f {
			j, ok := remap[idx]
			if !ok {
				j = len(out.Vertices)
				remap[idx] = j
				out.Vertices = append(out.Vertices, verts[idx])
				if colors != nil {
					out.Colors = append(out.Colors, colors[idx])
				}
			}
			out.Faces[i][k] = j
		}
	}
	return out
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "parse %q", f)
		}
		out[i] = v
	}
	return out, nil
}
