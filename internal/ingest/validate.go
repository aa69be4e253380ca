package ingest

import (
	"database/sql"
	"math"

	"github.com/lox/pvforecast/internal/metrics"
	"github.com/lox/pvforecast/internal/models"
)

const (
	FlagTempOutOfRange    = "temp_out_of_range"
	FlagWindSpeedUnlikely = "wind_speed_unlikely"
	FlagCloudCoverInvalid = "cloud_cover_invalid"
	FlagGHIOutOfRange     = "ghi_out_of_range"
	FlagDirectExceedsGHI  = "direct_exceeds_ghi"
	FlagClearIndexInvalid = "clear_index_invalid"
	FlagAlbedoInvalid     = "albedo_invalid"
)

// Irradiance above the solar constant cannot reach the ground.
const maxGHI = 1400

// ValidateSample nulls fields that are physically implausible and returns
// a flag for each. Nulled fields fall back to defaults downstream.
func ValidateSample(s *models.WeatherSample) []string {
	var flags []string
	reject := func(v *sql.NullFloat64, flag string) {
		*v = sql.NullFloat64{}
		flags = append(flags, flag)
		metrics.SamplesRejected.WithLabelValues(flag).Inc()
	}

	if outside(s.Temperature, -60, 60) {
		reject(&s.Temperature, FlagTempOutOfRange)
	}
	if outside(s.WindSpeed, 0, 75) {
		reject(&s.WindSpeed, FlagWindSpeedUnlikely)
	}
	if outside(s.CloudCover, 0, 100) {
		reject(&s.CloudCover, FlagCloudCoverInvalid)
	}
	if outside(s.GHI, 0, maxGHI) {
		reject(&s.GHI, FlagGHIOutOfRange)
	}
	if s.DirectHorizontal.Valid && (!s.GHI.Valid || outside(s.DirectHorizontal, 0, s.GHI.Float64)) {
		reject(&s.DirectHorizontal, FlagDirectExceedsGHI)
	}
	if outside(s.ClearSkyIndex, 0, math.MaxFloat64) {
		reject(&s.ClearSkyIndex, FlagClearIndexInvalid)
	}
	if outside(s.Albedo, 0, 1) {
		reject(&s.Albedo, FlagAlbedoInvalid)
	}

	return flags
}

// ValidateRun validates every sample in place and returns how many samples
// had at least one field rejected.
func ValidateRun(run *models.ModelRun) int {
	rejected := 0
	for i := range run.Samples {
		if len(ValidateSample(&run.Samples[i])) > 0 {
			rejected++
		}
	}
	return rejected
}

// outside reports a valid value that is non-finite or not within [lo, hi].
func outside(v sql.NullFloat64, lo, hi float64) bool {
	if !v.Valid {
		return false
	}
	f := v.Float64
	return math.IsNaN(f) || math.IsInf(f, 0) || f < lo || f > hi
}
