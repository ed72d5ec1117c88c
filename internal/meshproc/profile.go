// Package meshproc repairs, simplifies, smooths and rescales meshes for
// export under named quality profiles.
package meshproc

import "strings"

// ScaleMode selects the unit-rescale heuristic.
type ScaleMode string

const (
	ScaleConservative ScaleMode = "conservative"
	ScalePrintMM      ScaleMode = "print_mm"
)

// Profile is a named set of post-processing parameters.
type Profile struct {
	Name                string    `json:"name" yaml:"name"`
	TargetRatio         float64   `json:"target_ratio" yaml:"target_ratio"`
	SmoothingIterations int       `json:"smoothing_iterations" yaml:"smoothing_iterations"`
	ScaleMode           ScaleMode `json:"scale_mode" yaml:"scale_mode"`
}

// DefaultProfile is used for unknown profile names.
const DefaultProfile = "clinical"

var profiles = map[string]Profile{
	"draft":    {Name: "draft", TargetRatio: 0.5, SmoothingIterations: 2, ScaleMode: ScaleConservative},
	"clinical": {Name: "clinical", TargetRatio: 0.75, SmoothingIterations: 4, ScaleMode: ScaleConservative},
	"print":    {Name: "print", TargetRatio: 0.85, SmoothingIterations: 6, ScaleMode: ScalePrintMM},
	"web":      {Name: "web", TargetRatio: 0.4, SmoothingIterations: 2, ScaleMode: ScaleConservative},
}

// LookupProfile returns the named profile, falling back to clinical.
func LookupProfile(name string) Profile {
	if p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return profiles[DefaultProfile]
}

// ProfileNames lists the built-in profiles.
func ProfileNames() []string {
	return []string{"clinical", "draft", "print", "web"}
}
