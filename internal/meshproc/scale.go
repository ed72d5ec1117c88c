package meshproc

import (
	"strings"

	"github.com/orthogenesis/recon-cli/internal/mesh"
	"github.com/orthogenesis/recon-cli/internal/resilience"
	"github.com/rotisserie/eris"
)

// mmPerUnit maps a length unit to millimetres.
var mmPerUnit = map[string]float64{
	"mm": 1,
	"cm": 10,
	"m":  1000,
	"in": 25.4,
}

// UnitFactor returns the multiplier that converts unit to millimetres.
func UnitFactor(unit string) (float64, error) {
	f, ok := mmPerUnit[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return 0, resilience.Permanent(eris.Errorf("unsupported unit %q", unit))
	}
	return f, nil
}

// ConvertUnits scales m in place from unit to millimetres.
func ConvertUnits(m *mesh.Mesh, unit string) error {
	f, err := UnitFactor(unit)
	if err != nil {
		return err
	}
	if f != 1 {
		m.Scale(f)
	}
	return nil
}

// RescaleUnits guesses the source unit from the largest extent and scales m
// in place. It returns the factor applied (1 when nothing changed).
//
// print_mm assumes a printable part is a few millimetres to a metre across:
// anything under 5 is taken as centimetres, anything over 1000 as tenths of
// a millimetre. conservative only shrinks extents beyond 5000.
func RescaleUnits(m *mesh.Mesh, mode ScaleMode) float64 {
	extent := m.MaxExtent()
	if extent <= 0 {
		return 1
	}
	factor := 1.0
	switch mode {
	case ScalePrintMM:
		switch {
		case extent < 5:
			factor = 100
		case extent > 1000:
			factor = 0.1
		}
	default:
		if extent > 5000 {
			factor = 0.1
		}
	}
	if factor != 1 {
		m.Scale(factor)
	}
	return factor
}
