package meshproc

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/mesh"
	"github.com/orthogenesis/recon-cli/internal/resilience"
)

type options struct {
	unit      string
	tolerance float64
}

// Option tunes a conversion.
type Option func(*options)

// WithUnits declares the source unit (mm, cm, m, in). The mesh is converted
// to millimetres exactly instead of guessing a rescale from its extent.
func WithUnits(unit string) Option {
	return func(o *options) { o.unit = unit }
}

// WithTolerance sets the vertex merge distance used by repair.
func WithTolerance(tol float64) Option {
	return func(o *options) { o.tolerance = tol }
}

// Convert decodes data, post-processes it under the named profile and encodes
// the result in outFormat.
func Convert(data []byte, inFormat, outFormat, profile string, opts ...Option) ([]byte, error) {
	in, err := mesh.ParseFormat(inFormat)
	if err != nil {
		return nil, err
	}
	out, err := mesh.ParseFormat(outFormat)
	if err != nil {
		return nil, err
	}
	parts, err := mesh.Decode(data, in)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, resilience.Permanent(eris.New("input contains no meshes"))
	}

	m, err := Process(mesh.Concatenate(parts...), LookupProfile(profile), opts...)
	if err != nil {
		return nil, err
	}
	encoded, err := mesh.Encode(m, out)
	if err != nil {
		return nil, eris.Wrapf(err, "encode %s", out)
	}
	return encoded, nil
}

// Process runs the post-processing chain on m. Coincident vertices are welded,
// then the largest component is repaired, decimated, smoothed and rescaled.
// A second repair and fresh normals finish the mesh.
func Process(m *mesh.Mesh, p Profile, opts ...Option) (*mesh.Mesh, error) {
	o := options{tolerance: DefaultMergeTolerance}
	for _, opt := range opts {
		opt(&o)
	}
	if err := m.Validate(); err != nil {
		return nil, resilience.Permanent(err)
	}
	if len(m.Faces) == 0 {
		return nil, resilience.Permanent(eris.New("mesh has no faces"))
	}

	log := zap.L().With(zap.String("profile", p.Name))
	// Weld first so triangle soups (STL) have shared edges to walk.
	if welded, err := mergeVertices(m, o.tolerance); err == nil {
		m = welded
	}
	m = LargestComponent(m)
	m = Repair(m, o.tolerance)
	log.Debug("mesh repaired", zap.Int("vertices", len(m.Vertices)), zap.Int("faces", len(m.Faces)))

	if target, ok := DecimationTarget(len(m.Faces), p.TargetRatio); ok {
		decimated, err := Decimate(m, target)
		if err != nil {
			log.Debug("decimation skipped", zap.Int("target", target), zap.Error(err))
		} else {
			log.Debug("mesh decimated",
				zap.Int("faces_before", len(m.Faces)),
				zap.Int("faces_after", len(decimated.Faces)),
				zap.Int("target", target),
			)
			m = decimated
		}
	}

	m = Taubin(m, p.SmoothingIterations).Clone()

	if o.unit != "" {
		if err := ConvertUnits(m, o.unit); err != nil {
			return nil, err
		}
	} else if f := RescaleUnits(m, p.ScaleMode); f != 1 {
		log.Debug("mesh rescaled", zap.Float64("factor", f), zap.String("mode", string(p.ScaleMode)))
	}

	m = Repair(m, o.tolerance)
	if len(m.Faces) == 0 {
		return nil, eris.New("mesh empty after repair")
	}
	m.ComputeNormals()
	return m, nil
}
