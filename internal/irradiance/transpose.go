package irradiance

import (
	"math"

	"github.com/lox/pvforecast/internal/clearsky"
	"github.com/lox/pvforecast/internal/solar"
)

// Surface is the orientation and surroundings of a panel plane.
type Surface struct {
	Tilt    float64 // degrees
	Azimuth float64 // degrees, 0 = north
	Albedo  float64
}

// POA is plane-of-array irradiance split by origin, in W/m².
type POA struct {
	Direct     float64
	SkyDiffuse float64
	Ground     float64
	AOI        float64 // degrees
}

func (p POA) Global() float64 { return p.Direct + p.SkyDiffuse + p.Ground }

// perezCoefficients is the allsitescomposite1990 set: F11 F12 F13 F21 F22 F23
// for each sky clearness bin.
var perezCoefficients = [8][6]float64{
	{-0.0080, 0.5880, -0.0620, -0.0600, 0.0720, -0.0220},
	{0.1300, 0.6830, -0.1510, -0.0190, 0.0660, -0.0290},
	{0.3300, 0.4870, -0.2210, 0.0550, -0.0640, -0.0260},
	{0.5680, 0.1870, -0.2950, 0.1090, -0.1520, -0.0140},
	{0.8730, -0.3920, -0.3620, 0.2260, -0.4620, 0.0010},
	{1.1320, -1.2370, -0.4120, 0.2880, -0.8230, 0.0560},
	{1.0600, -1.6000, -0.3590, 0.2640, -1.1270, 0.1310},
	{0.6780, -0.3270, -0.2500, 0.1560, -1.3770, 0.2510},
}

var clearnessBins = [7]float64{1.065, 1.23, 1.5, 1.95, 2.8, 4.5, 6.2}

// Transpose projects horizontal irradiance onto the surface. Nothing
// reaches the panel while the sun is down.
func Transpose(irr clearsky.Irradiance, pos solar.Position, s Surface, dniExtra float64) POA {
	if !pos.Up() {
		return POA{}
	}

	aoi := solar.AngleOfIncidence(s.Tilt, s.Azimuth, pos)
	cosAOI := math.Max(math.Cos(deg2rad(aoi)), 0)
	tilt := deg2rad(s.Tilt)

	return POA{
		Direct:     irr.DNI * cosAOI,
		SkyDiffuse: perezDiffuse(irr, pos, tilt, cosAOI, dniExtra),
		Ground:     irr.GHI * s.Albedo * (1 - math.Cos(tilt)) / 2,
		AOI:        aoi,
	}
}

func perezDiffuse(irr clearsky.Irradiance, pos solar.Position, tilt, cosAOI, dniExtra float64) float64 {
	if irr.DHI <= 0 {
		return 0
	}
	if dniExtra <= 0 {
		return isotropicDiffuse(irr.DHI, tilt)
	}

	zenDeg := math.Min(pos.Zenith(), 89.9)
	z := deg2rad(zenDeg)
	const kappa = 1.041
	z3 := kappa * z * z * z

	eps := ((irr.DHI+irr.DNI)/irr.DHI + z3) / (1 + z3)
	bin := 0
	for bin < len(clearnessBins) && eps >= clearnessBins[bin] {
		bin++
	}
	c := perezCoefficients[bin]

	delta := irr.DHI * solar.RelativeAirmass(zenDeg) / dniExtra
	f1 := math.Max(0, c[0]+c[1]*delta+c[2]*z)
	f2 := c[3] + c[4]*delta + c[5]*z

	b := math.Max(math.Cos(deg2rad(85)), math.Cos(z))
	sky := irr.DHI * ((1-f1)*(1+math.Cos(tilt))/2 + f1*cosAOI/b + f2*math.Sin(tilt))
	return math.Max(sky, 0)
}

func isotropicDiffuse(dhi, tilt float64) float64 {
	return dhi * (1 + math.Cos(tilt)) / 2
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
