package mesh

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/orthogenesis/recon-cli/internal/resilience"
)

// Format is a mesh exchange format.
type Format string

const (
	FormatOBJ Format = "obj"
	FormatSTL Format = "stl"
	FormatGLB Format = "glb"
)

// ParseFormat normalizes a format name. "gltf" is accepted as GLB. Unknown
// names are a permanent error.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), ".")) {
	case "obj":
		return FormatOBJ, nil
	case "stl":
		return FormatSTL, nil
	case "glb", "gltf":
		return FormatGLB, nil
	default:
		return "", resilience.Permanent(eris.Errorf("mesh: unsupported format %q", name))
	}
}

// Extension returns the file extension without a dot.
func (f Format) Extension() string {
	return string(f)
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatOBJ:
		return "model/obj"
	case FormatSTL:
		return "model/stl"
	case FormatGLB:
		return "model/gltf-binary"
	default:
		return "application/octet-stream"
	}
}

// Decode parses data into one mesh per object in the file.
func Decode(data []byte, f Format) ([]*Mesh, error) {
	var (
		parts []*Mesh
		err   error
	)
	switch f {
	case FormatOBJ:
		parts, err = DecodeOBJ(data)
	case FormatSTL:
		var m *Mesh
		m, err = DecodeSTL(data)
		parts = []*Mesh{m}
	case FormatGLB:
		parts, err = DecodeGLB(data)
	default:
		return nil, resilience.Permanent(eris.Errorf("mesh: unsupported format %q", f))
	}
	if err != nil {
		return nil, resilience.Permanent(eris.Wrapf(err, "mesh: decode %s", f))
	}
	return parts, nil
}

// Encode serializes m in the given format.
func Encode(m *Mesh, f Format) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch f {
	case FormatOBJ:
		return EncodeOBJ(m), nil
	case FormatSTL:
		return EncodeSTL(m), nil
	case FormatGLB:
		return EncodeGLB(m)
	default:
		return nil, resilience.Permanent(eris.Errorf("mesh: unsupported format %q", f))
	}
}
