package irradiance

import "math"

// DefaultAngularLoss is the Martin-Ruiz a_r for glass-covered modules.
const DefaultAngularLoss = 0.16

// BeamIAM is the Martin-Ruiz incidence angle modifier for the direct beam.
func BeamIAM(aoi, ar float64) float64 {
	cosAOI := math.Cos(deg2rad(aoi))
	if cosAOI <= 0 {
		return 0
	}
	return (1 - math.Exp(-cosAOI/ar)) / (1 - math.Exp(-1/ar))
}

// DiffuseIAM returns the Martin-Ruiz modifiers for sky-diffuse and
// ground-reflected light on a plane tilted by tilt degrees.
func DiffuseIAM(tilt, ar float64) (sky, ground float64) {
	c1 := 4 / (3 * math.Pi)
	c2 := 0.5*ar - 0.154

	beta := deg2rad(tilt)
	sinB, cosB := math.Sin(beta), math.Cos(beta)

	skyTerm := sinB + (math.Pi-beta-sinB)/(1+cosB)
	sky = 1 - math.Exp(-(c1+c2*skyTerm)*skyTerm/ar)

	if beta < 1e-6 {
		return sky, 0
	}
	gndTerm := sinB + (beta-sinB)/(1-cosB)
	ground = 1 - math.Exp(-(c1+c2*gndTerm)*gndTerm/ar)
	return sky, ground
}

// Effective applies angular reflection losses to each POA component and
// returns the irradiance absorbed by the cells.
func Effective(p POA, tilt, ar float64) float64 {
	sky, ground := DiffuseIAM(tilt, ar)
	e := p.Direct*BeamIAM(p.AOI, ar) + p.SkyDiffuse*sky + p.Ground*ground
	return math.Max(e, 0)
}
