// Package config loads the site description: where the panels are, how
// they are mounted and how the forecast grid is sampled.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/lox/pvforecast/internal/clearsky"
	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/solar"
)

const (
	MaxHorizon      = 66 * time.Hour
	DefaultSubSteps = 4
	maxSubSteps     = 60

	defaultTilt            = 30.0
	defaultAzimuth         = 180.0
	defaultModuleElevation = 5.0
	defaultAlbedoClass     = "grass"
)

var ErrInvalidArray = errors.New("invalid panel array")

// AlbedoPresets maps ground surface classes to reflectivity.
var AlbedoPresets = map[string]float64{
	"grass":    0.25,
	"concrete": 0.30,
	"snow":     0.80,
	"asphalt":  0.12,
	"soil":     0.17,
	"water":    0.06,
}

// Site is an immutable snapshot of the configuration. Changes produce a new
// Site rather than editing this one.
type Site struct {
	Location models.Location
	Timezone *time.Location
	ClearSky clearsky.Model
	SubSteps int
	Horizon  time.Duration
	Arrays   []models.PanelArray
}

// Array looks up a configured array by ID.
func (s *Site) Array(id string) (models.PanelArray, bool) {
	for _, a := range s.Arrays {
		if a.ID == id {
			return a, true
		}
	}
	return models.PanelArray{}, false
}

type siteYAML struct {
	Location struct {
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
		Elevation float64 `yaml:"elevation"`
	} `yaml:"location"`
	Timezone       string      `yaml:"timezone"`
	LinkeTurbidity turbidity   `yaml:"linke_turbidity"`
	SubSteps       int         `yaml:"sub_steps"`
	HorizonHours   int         `yaml:"horizon_hours"`
	Arrays         []arrayYAML `yaml:"arrays"`
}

type arrayYAML struct {
	Name            string   `yaml:"name"`
	Tilt            *float64 `yaml:"tilt"`
	Azimuth         *float64 `yaml:"azimuth"`
	RatedPower      float64  `yaml:"rated_power"`
	ModuleElevation *float64 `yaml:"module_elevation"`
	Albedo          albedo   `yaml:"albedo"`
}

// turbidity accepts either a single Linke value or twelve monthly values.
type turbidity []float64

func (t *turbidity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single float64
	if err := unmarshal(&single); err == nil {
		*t = turbidity{single}
		return nil
	}
	var monthly []float64
	if err := unmarshal(&monthly); err != nil {
		return fmt.Errorf("linke_turbidity: want a number or 12 numbers")
	}
	if len(monthly) != 12 {
		return fmt.Errorf("linke_turbidity: got %d monthly values, want 12", len(monthly))
	}
	*t = monthly
	return nil
}

// albedo accepts a preset name or a number in [0, 1].
type albedo struct {
	class string
	value float64
	set   bool
}

func (a *albedo) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v float64
	if err := unmarshal(&v); err == nil {
		*a = albedo{class: "custom", value: v, set: true}
		return nil
	}
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	v, ok := AlbedoPresets[name]
	if !ok {
		return fmt.Errorf("unknown albedo class %q", name)
	}
	*a = albedo{class: name, value: v, set: true}
	return nil
}

// Load reads and validates a site file.
func Load(path string) (*Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site config: %w", err)
	}
	site, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return site, nil
}

// Parse decodes a site description, applies defaults and validates it.
func Parse(data []byte) (*Site, error) {
	var raw siteYAML
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("parse site config: %w", err)
	}

	site := &Site{
		Location: models.Location{
			Latitude:  raw.Location.Latitude,
			Longitude: raw.Location.Longitude,
			Elevation: raw.Location.Elevation,
		},
		SubSteps: raw.SubSteps,
		Horizon:  time.Duration(raw.HorizonHours) * time.Hour,
	}

	tz := raw.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	site.Timezone = loc

	switch len(raw.LinkeTurbidity) {
	case 0:
		site.ClearSky = clearsky.Model{Turbidity: clearsky.DefaultLinkeTurbidity}
	case 1:
		site.ClearSky = clearsky.Model{Turbidity: raw.LinkeTurbidity[0]}
	default:
		site.ClearSky = clearsky.Model{Turbidity: clearsky.DefaultLinkeTurbidity, Monthly: raw.LinkeTurbidity}
	}

	if site.SubSteps == 0 {
		site.SubSteps = DefaultSubSteps
	}
	if site.Horizon == 0 {
		site.Horizon = MaxHorizon
	}

	for _, a := range raw.Arrays {
		site.Arrays = append(site.Arrays, a.toModel())
	}

	if err := site.Validate(); err != nil {
		return nil, err
	}
	return site, nil
}

func (a arrayYAML) toModel() models.PanelArray {
	arr := models.PanelArray{
		ID:              ArrayID(a.Name),
		Name:            a.Name,
		Tilt:            defaultTilt,
		Azimuth:         defaultAzimuth,
		RatedPower:      a.RatedPower,
		ModuleElevation: defaultModuleElevation,
		AlbedoClass:     defaultAlbedoClass,
		Albedo:          AlbedoPresets[defaultAlbedoClass],
	}
	if a.Tilt != nil {
		arr.Tilt = *a.Tilt
	}
	if a.Azimuth != nil {
		arr.Azimuth = *a.Azimuth
	}
	if a.ModuleElevation != nil {
		arr.ModuleElevation = *a.ModuleElevation
	}
	if a.Albedo.set {
		arr.AlbedoClass, arr.Albedo = a.Albedo.class, a.Albedo.value
	}
	return arr
}

// ArrayID derives the stable identifier of an array from its display name.
func ArrayID(name string) string {
	id := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(id)
}

// Validate checks the whole site. Location problems wrap
// solar.ErrInvalidLocation, array problems wrap ErrInvalidArray.
func (s *Site) Validate() error {
	if err := solar.ValidateLocation(s.Location); err != nil {
		return err
	}
	if s.SubSteps < 1 || s.SubSteps > maxSubSteps {
		return fmt.Errorf("sub_steps %d out of range 1-%d", s.SubSteps, maxSubSteps)
	}
	if s.Horizon < time.Hour || s.Horizon > MaxHorizon {
		return fmt.Errorf("horizon %v out of range 1h-%v", s.Horizon, MaxHorizon)
	}
	for _, tl := range append([]float64{s.ClearSky.Turbidity}, s.ClearSky.Monthly...) {
		if tl < 1 || tl > 10 {
			return fmt.Errorf("linke turbidity %v out of range 1-10", tl)
		}
	}
	if len(s.Arrays) == 0 {
		return fmt.Errorf("%w: no arrays configured", ErrInvalidArray)
	}

	seen := make(map[string]bool, len(s.Arrays))
	for _, a := range s.Arrays {
		if err := ValidateArray(a); err != nil {
			return err
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate array id %q", ErrInvalidArray, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// ValidateArray checks a single array's geometry and rating.
func ValidateArray(a models.PanelArray) error {
	switch {
	case a.ID == "":
		return fmt.Errorf("%w: array needs a name", ErrInvalidArray)
	case a.ID == models.AggregateID:
		return fmt.Errorf("%w: %q is reserved for the aggregate", ErrInvalidArray, a.ID)
	case a.Tilt < 0 || a.Tilt > 90:
		return fmt.Errorf("%w: %s: tilt %v out of range 0-90", ErrInvalidArray, a.ID, a.Tilt)
	case a.Azimuth < 0 || a.Azimuth > 360:
		return fmt.Errorf("%w: %s: azimuth %v out of range 0-360", ErrInvalidArray, a.ID, a.Azimuth)
	case !(a.RatedPower > 0):
		return fmt.Errorf("%w: %s: rated_power must be positive", ErrInvalidArray, a.ID)
	case a.ModuleElevation < 0:
		return fmt.Errorf("%w: %s: module_elevation %v is negative", ErrInvalidArray, a.ID, a.ModuleElevation)
	case a.Albedo < 0 || a.Albedo > 1:
		return fmt.Errorf("%w: %s: albedo %v out of range 0-1", ErrInvalidArray, a.ID, a.Albedo)
	}
	return nil
}
