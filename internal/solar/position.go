// Package solar computes sun position and the atmospheric helpers shared by
// the clear-sky and transposition models.
package solar

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/coord"
	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/refraction"
	"github.com/soniakeys/meeus/v3/sidereal"
	msolar "github.com/soniakeys/meeus/v3/solar"
	"github.com/soniakeys/unit"

	"github.com/lox/pvforecast/internal/models"
)

var ErrInvalidLocation = errors.New("invalid location")

// Position is the sun's place in the local sky. Elevation includes
// atmospheric refraction; TrueElevation does not.
type Position struct {
	Elevation     float64 // degrees above horizon
	TrueElevation float64 // degrees
	Azimuth       float64 // degrees clockwise from north
}

// Zenith returns the apparent zenith angle in degrees.
func (p Position) Zenith() float64 { return 90 - p.Elevation }

func (p Position) CosZenith() float64 { return math.Cos(degToRad(p.Zenith())) }

// Up reports whether the sun is above the horizon.
func (p Position) Up() bool { return p.Elevation > 0 }

func ValidateLocation(loc models.Location) error {
	if math.IsNaN(loc.Latitude) || loc.Latitude < -90 || loc.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidLocation, loc.Latitude)
	}
	if math.IsNaN(loc.Longitude) || loc.Longitude < -180 || loc.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidLocation, loc.Longitude)
	}
	if math.IsNaN(loc.Elevation) || math.IsInf(loc.Elevation, 0) {
		return fmt.Errorf("%w: elevation %v", ErrInvalidLocation, loc.Elevation)
	}
	return nil
}

// SunPosition returns the apparent position of the sun seen from loc at t.
func SunPosition(loc models.Location, t time.Time) (Position, error) {
	if err := ValidateLocation(loc); err != nil {
		return Position{}, err
	}

	jd := julian.TimeToJD(t.UTC())
	α, δ := msolar.ApparentEquatorial(jd)
	st := sidereal.Apparent(jd)

	// meeus measures longitude positive westward and azimuth westward from south.
	A, h := coord.EqToHz(α, δ, unit.AngleFromDeg(loc.Latitude), unit.AngleFromDeg(-loc.Longitude), st)

	trueElev := h.Deg()
	apparent := trueElev
	if trueElev > -1 {
		apparent += refraction.Saemundsson(h).Deg()
	}

	return Position{
		Elevation:     apparent,
		TrueElevation: trueElev,
		Azimuth:       fixAngle(A.Deg() + 180),
	}, nil
}

func degToRad(deg float64) float64 { return deg * math.Pi / 180.0 }
func radToDeg(rad float64) float64 { return rad * 180.0 / math.Pi }
func fixAngle(a float64) float64   { return a - 360.0*math.Floor(a/360.0) }
