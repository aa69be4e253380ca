// Package irradiance turns clear-sky irradiance and NWP fields into
// real-sky components and projects them onto tilted panels.
package irradiance

import (
	"database/sql"
	"math"

	"github.com/lox/pvforecast/internal/clearsky"
	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/solar"
)

// MaxClearSkyIndex tolerates cloud-edge enhancement above clear sky.
const MaxClearSkyIndex = 1.2

type IndexSource string

const (
	IndexExplicit   IndexSource = "explicit"
	IndexGHI        IndexSource = "ghi"
	IndexCloudCover IndexSource = "cloud_cover"
	IndexFallback   IndexSource = "fallback"
)

// Sky is the cloud state of one forecast hour.
type Sky struct {
	Index       float64
	Source      IndexSource
	DirectShare sql.NullFloat64 // beam fraction of GHI from the NWP model
}

// ClearSky is the cloudless state used when no weather sample exists.
var ClearSky = Sky{Index: 1, Source: IndexFallback}

// Estimate derives the cloud state for an hour from its weather sample.
// meanClearGHI is the clear-sky GHI averaged over the same hour.
func Estimate(sample *models.WeatherSample, meanClearGHI float64) Sky {
	if sample == nil {
		return ClearSky
	}

	sky := Sky{Index: 1, Source: IndexFallback}
	switch {
	case sample.ClearSkyIndex.Valid:
		sky.Index, sky.Source = sample.ClearSkyIndex.Float64, IndexExplicit
	case sample.GHI.Valid && meanClearGHI > 0:
		sky.Index, sky.Source = sample.GHI.Float64/meanClearGHI, IndexGHI
	case sample.CloudCover.Valid:
		sky.Index, sky.Source = kastenCzeplak(sample.CloudCover.Float64), IndexCloudCover
	}
	sky.Index = clampIndex(sky.Index)

	if sample.GHI.Valid && sample.DirectHorizontal.Valid && sample.GHI.Float64 > 0 {
		share := sample.DirectHorizontal.Float64 / sample.GHI.Float64
		sky.DirectShare = sql.NullFloat64{Float64: math.Max(0, math.Min(1, share)), Valid: true}
	}
	return sky
}

// Apply scales clear-sky irradiance to the real sky at one instant.
func (s Sky) Apply(clear clearsky.Irradiance, pos solar.Position) clearsky.Irradiance {
	if !pos.Up() {
		return clearsky.Irradiance{}
	}

	kc := clampIndex(s.Index)
	if kc == 1 && !s.DirectShare.Valid {
		return clear
	}

	ghi := kc * clear.GHI
	cosZen := pos.CosZenith()

	var dni float64
	if s.DirectShare.Valid {
		dni = s.DirectShare.Float64 * ghi / math.Max(cosZen, 0.01)
		dni = math.Min(dni, clear.DNI*MaxClearSkyIndex)
	} else {
		dni = clear.DNI * BeamIndex(kc)
	}

	out := clearsky.Irradiance{DNI: dni, GHI: ghi}
	out.DHI = math.Max(ghi-out.DirectHorizontal(pos), 0)
	return out
}

// BeamIndex maps a clear-sky index to the fraction of clear-sky DNI that
// survives. Thin cloud removes beam faster than it removes global.
func BeamIndex(kc float64) float64 {
	if kc >= 1 {
		return 1
	}
	x := math.Max(0, math.Min(1, (kc-0.25)/0.75))
	return math.Pow(x, 1.5)
}

// kastenCzeplak converts total cloud cover in percent to a clear-sky index.
func kastenCzeplak(cover float64) float64 {
	oktas := math.Max(0, math.Min(100, cover)) / 100 * 8
	return 1 - 0.75*math.Pow(oktas/8, 3.4)
}

func clampIndex(kc float64) float64 {
	if math.IsNaN(kc) {
		return 1
	}
	return math.Max(0, math.Min(MaxClearSkyIndex, kc))
}
