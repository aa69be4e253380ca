// Package pvmodel converts absorbed plane-of-array irradiance into electrical
// output for one array: King 2004 module temperature, Huld 2010 power.
package pvmodel

import "math"

const (
	// Fallbacks for hours where the weather run carries no value.
	DefaultAirTemperature = 20.0 // °C
	DefaultWindSpeed      = 2.0  // m/s at 10 m

	stcIrradiance    = 1000.0 // W/m²
	stcTemperature   = 25.0   // °C
	minIrradiance    = 0.1    // W/m², below this output is 0
	windRefHeight    = 10.0   // m
	minModuleHeight  = 0.5    // m
	windShearExpo    = 1.0 / 7.0
	kingA            = -3.56
	kingB            = -0.075
	kingConductionDT = 3.0
)

// Huld holds the coefficients of the Huld et al. (2010) relative efficiency
// polynomial in ln(G/1000) and T_module - 25.
type Huld struct {
	K             [6]float64
	MinEfficiency float64
}

// CrystallineSilicon is the published fit for c-Si modules.
var CrystallineSilicon = Huld{
	K:             [6]float64{-0.017162, -0.040289, -0.004681, 0.000148, 0.000169, 0.000005},
	MinEfficiency: 0.5,
}

// Efficiency returns the efficiency relative to STC at absorbed irradiance g
// (W/m²) and module temperature tm (°C).
func (h Huld) Efficiency(g, tm float64) float64 {
	lg := math.Log(g / stcIrradiance)
	dt := tm - stcTemperature
	k := h.K
	eff := 1 + k[0]*lg + k[1]*lg*lg +
		dt*(k[2]+k[3]*lg+k[4]*lg*lg) +
		k[5]*dt*dt
	return math.Max(eff, h.MinEfficiency)
}

// Power returns DC output in watts for an array rated ratedKW kilowatts.
// There is no clamp to the rating: cold bright hours may exceed it slightly.
func (h Huld) Power(g, tm, ratedKW float64) float64 {
	if !(g >= minIrradiance) {
		return 0
	}
	return ratedKW * 1000 * (g / stcIrradiance) * h.Efficiency(g, tm)
}

// WindAtHeight scales a 10 m wind speed to the module's mounting height.
func WindAtHeight(v10, height float64) float64 {
	h := math.Max(height, minModuleHeight)
	return math.Max(v10, 0) * math.Pow(h/windRefHeight, windShearExpo)
}

// ModuleTemperature estimates the back-of-module temperature (°C) with the
// King 2004 open-rack glass/cell/glass model.
func ModuleTemperature(g, airTemp, windSpeed10m, moduleElevation float64) float64 {
	g = math.Max(g, 0)
	wind := WindAtHeight(windSpeed10m, moduleElevation)
	return airTemp + g*math.Exp(kingA+kingB*wind) + kingConductionDT*g/stcIrradiance
}

// Conditions are the ambient inputs for one instant. Zero-valued fields are
// not defaults; callers resolve missing weather to the Default* constants.
type Conditions struct {
	AirTemperature float64
	WindSpeed      float64
}

// Array is the electrical side of one panel array.
type Array struct {
	RatedPower      float64 // kW
	ModuleElevation float64 // m
	Model           Huld
}

// Output returns the power in watts for absorbed irradiance g under c.
func (a Array) Output(g float64, c Conditions) float64 {
	if !(g >= minIrradiance) {
		return 0
	}
	m := a.Model
	if m.MinEfficiency == 0 {
		m = CrystallineSilicon
	}
	tm := ModuleTemperature(g, c.AirTemperature, c.WindSpeed, a.ModuleElevation)
	return m.Power(g, tm, a.RatedPower)
}
