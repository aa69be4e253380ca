// Package clearsky models cloudless-sky irradiance with the Ineichen-Perez
// formulation driven by Linke turbidity.
package clearsky

import (
	"fmt"
	"math"
	"time"

	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/solar"
)

const DefaultLinkeTurbidity = 3.0

type Irradiance struct {
	DNI float64 // direct normal, W/m²
	DHI float64 // diffuse horizontal, W/m²
	GHI float64 // global horizontal, W/m²
}

// DirectHorizontal is the beam component on a horizontal surface.
func (i Irradiance) DirectHorizontal(pos solar.Position) float64 {
	return i.DNI * pos.CosZenith()
}

// Model holds the turbidity climatology for a site. Monthly, when set,
// overrides Turbidity for the matching calendar month.
type Model struct {
	Turbidity float64
	Monthly   []float64
}

func (m Model) turbidity(t time.Time) float64 {
	if len(m.Monthly) == 12 {
		return m.Monthly[t.UTC().Month()-1]
	}
	if m.Turbidity > 0 {
		return m.Turbidity
	}
	return DefaultLinkeTurbidity
}

// At returns clear-sky irradiance and the sun position for loc at t.
func (m Model) At(loc models.Location, t time.Time) (Irradiance, solar.Position, error) {
	pos, err := solar.SunPosition(loc, t)
	if err != nil {
		return Irradiance{}, solar.Position{}, fmt.Errorf("clear sky: %w", err)
	}
	return Ineichen(pos, loc.Elevation, m.turbidity(t), solar.ExtraterrestrialDNI(t)), pos, nil
}

// Ineichen evaluates the model for a known sun position. All components are
// zero when the sun is at or below the horizon.
func Ineichen(pos solar.Position, altitude, turbidity, dniExtra float64) Irradiance {
	if !pos.Up() {
		return Irradiance{}
	}

	cosZen := pos.CosZenith()
	am := solar.AbsoluteAirmass(solar.RelativeAirmass(pos.Zenith()), solar.AltitudeToPressure(altitude))
	tl := turbidity

	fh1 := math.Exp(-altitude / 8000.0)
	fh2 := math.Exp(-altitude / 1250.0)
	cg1 := 5.09e-05*altitude + 0.868
	cg2 := 3.92e-05*altitude + 0.0387

	ghi := math.Exp(-cg2 * am * (fh1 + fh2*(tl-1)))
	ghi = cg1 * dniExtra * cosZen * math.Max(ghi, 0)

	b := 0.664 + 0.163/fh1
	bnci := dniExtra * math.Max(b*math.Exp(-0.09*am*(tl-1)), 0)

	// Upper bound on beam so that the diffuse remainder stays physical.
	bnci2 := (1 - (0.1-0.2*math.Exp(-tl))/(0.1+0.882/fh1)) / cosZen
	bnci2 = ghi * math.Min(math.Max(bnci2, 0), 1e20)

	dni := math.Min(bnci, bnci2)
	dhi := ghi - dni*cosZen

	return Irradiance{DNI: dni, DHI: math.Max(dhi, 0), GHI: ghi}
}
