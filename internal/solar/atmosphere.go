package solar

import (
	"math"
	"time"
)

const SolarConstant = 1367.0 // W/m²

// ExtraterrestrialDNI returns the top-of-atmosphere normal irradiance for
// the day of t (Spencer 1971).
func ExtraterrestrialDNI(t time.Time) float64 {
	b := 2 * math.Pi * float64(t.UTC().YearDay()) / 365.0
	rOverR0sq := 1.00011 + 0.034221*math.Cos(b) + 0.00128*math.Sin(b) +
		0.000719*math.Cos(2*b) + 0.000077*math.Sin(2*b)
	return SolarConstant * rOverR0sq
}

// RelativeAirmass is the Kasten & Young (1989) airmass for an apparent
// zenith angle in degrees. It is 0 for zenith angles at or past 90°.
func RelativeAirmass(zenith float64) float64 {
	if zenith >= 90 {
		return 0
	}
	return 1.0 / (math.Cos(degToRad(zenith)) + 0.50572*math.Pow(96.07995-zenith, -1.6364))
}

// AltitudeToPressure returns standard-atmosphere pressure in Pa.
func AltitudeToPressure(altitude float64) float64 {
	return 100 * math.Pow((44331.514-altitude)/11880.516, 1/0.1902632)
}

func AbsoluteAirmass(relative, pressure float64) float64 {
	return relative * pressure / 101325.0
}

// AngleOfIncidence returns the angle in degrees between the sun and the
// normal of a surface with the given tilt and azimuth.
func AngleOfIncidence(tilt, azimuth float64, pos Position) float64 {
	zen := degToRad(pos.Zenith())
	cosAOI := math.Cos(zen)*math.Cos(degToRad(tilt)) +
		math.Sin(zen)*math.Sin(degToRad(tilt))*math.Cos(degToRad(pos.Azimuth-azimuth))
	cosAOI = math.Max(-1, math.Min(1, cosAOI))
	return radToDeg(math.Acos(cosAOI))
}
