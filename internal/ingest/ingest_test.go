package ingest

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/lox/pvforecast/internal/models"
)

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestValidateSample(t *testing.T) {
	tests := []struct {
		name      string
		sample    models.WeatherSample
		wantFlags []string
	}{
		{
			name: "valid sample - no flags",
			sample: models.WeatherSample{
				Temperature:      nf(18),
				WindSpeed:        nf(4),
				CloudCover:       nf(40),
				GHI:              nf(600),
				DirectHorizontal: nf(350),
				ClearSkyIndex:    nf(0.8),
				Albedo:           nf(0.2),
			},
		},
		{
			name:      "temp too hot",
			sample:    models.WeatherSample{Temperature: nf(75)},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "temp at cold boundary - valid",
			sample:    models.WeatherSample{Temperature: nf(-60)},
			wantFlags: nil,
		},
		{
			name:      "negative wind",
			sample:    models.WeatherSample{WindSpeed: nf(-1)},
			wantFlags: []string{FlagWindSpeedUnlikely},
		},
		{
			name:      "cloud cover over 100",
			sample:    models.WeatherSample{CloudCover: nf(101)},
			wantFlags: []string{FlagCloudCoverInvalid},
		},
		{
			name:      "GHI above solar constant",
			sample:    models.WeatherSample{GHI: nf(1500), DirectHorizontal: nf(100)},
			wantFlags: []string{FlagGHIOutOfRange, FlagDirectExceedsGHI},
		},
		{
			name:      "direct exceeds global",
			sample:    models.WeatherSample{GHI: nf(300), DirectHorizontal: nf(400)},
			wantFlags: []string{FlagDirectExceedsGHI},
		},
		{
			name:      "negative clear-sky index",
			sample:    models.WeatherSample{ClearSkyIndex: nf(-0.1)},
			wantFlags: []string{FlagClearIndexInvalid},
		},
		{
			name:      "albedo above one",
			sample:    models.WeatherSample{Albedo: nf(1.3)},
			wantFlags: []string{FlagAlbedoInvalid},
		},
		{
			name:      "NaN albedo",
			sample:    models.WeatherSample{Albedo: nf(math.NaN())},
			wantFlags: []string{FlagAlbedoInvalid},
		},
		{
			name:      "infinite temperature",
			sample:    models.WeatherSample{Temperature: nf(math.Inf(1))},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "NaN GHI drops direct too",
			sample:    models.WeatherSample{GHI: nf(math.NaN()), DirectHorizontal: nf(100)},
			wantFlags: []string{FlagGHIOutOfRange, FlagDirectExceedsGHI},
		},
		{
			name:      "NaN direct and clear-sky index",
			sample:    models.WeatherSample{GHI: nf(500), DirectHorizontal: nf(math.NaN()), ClearSkyIndex: nf(math.Inf(1))},
			wantFlags: []string{FlagDirectExceedsGHI, FlagClearIndexInvalid},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.sample
			flags := ValidateSample(&s)
			if strings.Join(flags, ",") != strings.Join(tt.wantFlags, ",") {
				t.Errorf("flags = %v, want %v", flags, tt.wantFlags)
			}
		})
	}
}

func TestValidateSample_NullsRejectedFields(t *testing.T) {
	s := models.WeatherSample{Temperature: nf(99), WindSpeed: nf(3)}
	ValidateSample(&s)
	if s.Temperature.Valid {
		t.Error("rejected temperature should be null")
	}
	if !s.WindSpeed.Valid || s.WindSpeed.Float64 != 3 {
		t.Errorf("valid wind speed changed: %+v", s.WindSpeed)
	}
}

func TestValidateRun(t *testing.T) {
	run := &models.ModelRun{Samples: []models.WeatherSample{
		{Temperature: nf(10)},
		{Temperature: nf(100), WindSpeed: nf(-2)},
		{CloudCover: nf(-5)},
	}}
	if got := ValidateRun(run); got != 2 {
		t.Errorf("ValidateRun = %d, want 2", got)
	}
}

const wfsFixture = `<?xml version="1.0" encoding="UTF-8"?>
<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs/2.0"
    xmlns:om="http://www.opengis.net/om/2.0"
    xmlns:omso="http://inspire.ec.europa.eu/schemas/omso/3.0"
    xmlns:gml="http://www.opengis.net/gml/3.2"
    xmlns:gmlcov="http://www.opengis.net/gmlcov/1.0"
    xmlns:swe="http://www.opengis.net/swe/2.0">
  <wfs:member>
    <omso:GridSeriesObservation gml:id="obs-obs-1-1">
      <om:resultTime>
        <gml:TimeInstant gml:id="time-1-1-result">
          <gml:timePosition>2024-06-20T21:00:00Z</gml:timePosition>
        </gml:TimeInstant>
      </om:resultTime>
      <om:result>
        <gmlcov:MultiPointCoverage gml:id="mpcv-1-1-harmonie">
          <gml:domainSet>
            <gmlcov:SimpleMultiPoint gml:id="mp-1-1-harmonie" srsDimension="3">
              <gmlcov:positions>
                60.17 24.94  1718928000
                60.17 24.94  1718931600
                60.17 24.94  1718935200
              </gmlcov:positions>
            </gmlcov:SimpleMultiPoint>
          </gml:domainSet>
          <gml:rangeSet>
            <gml:DataBlock>
              <gml:rangeParameters/>
              <gml:doubleOrNilReasonTupleList>
                10.0 0.0 0.0 0.0 2.0 50.0
                12.0 1800000.0 1440000.0 720000.0 4.0 NaN
                14.0 1800000.0 1440000.0 720000.0 6.0 100.0
              </gml:doubleOrNilReasonTupleList>
            </gml:DataBlock>
          </gml:rangeSet>
          <gmlcov:rangeType>
            <swe:DataRecord>
              <swe:field name="Temperature"/>
              <swe:field name="RadiationGlobalAccumulation"/>
              <swe:field name="RadiationNetSurfaceSWAccumulation"/>
              <swe:field name="RadiationSWAccumulation"/>
              <swe:field name="WindSpeedMS"/>
              <swe:field name="TotalCloudCover"/>
            </swe:DataRecord>
          </gmlcov:rangeType>
        </gmlcov:MultiPointCoverage>
      </om:result>
    </omso:GridSeriesObservation>
  </wfs:member>
</wfs:FeatureCollection>`

const wfsException = `<?xml version="1.0" encoding="UTF-8"?>
<ExceptionReport xmlns="http://www.opengis.net/ows/1.1">
  <Exception exceptionCode="OperationParsingFailed">
    <ExceptionText>Invalid parameter value for 'latlon'.</ExceptionText>
  </Exception>
</ExceptionReport>`

func TestParseMultiPointCoverage(t *testing.T) {
	run, err := ParseMultiPointCoverage([]byte(wfsFixture))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if want := time.Date(2024, 6, 20, 21, 0, 0, 0, time.UTC); !run.RunTime.Equal(want) {
		t.Errorf("RunTime = %v, want %v", run.RunTime, want)
	}
	if len(run.Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(run.Samples))
	}

	first := run.Samples[0]
	if want := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC); !first.Time.Equal(want) {
		t.Errorf("first sample at %v, want interval start %v", first.Time, want)
	}

	checks := []struct {
		name string
		got  sql.NullFloat64
		want float64
	}{
		{"GHI", first.GHI, 500},
		{"DirectHorizontal", first.DirectHorizontal, 200},
		{"Albedo", first.Albedo, 0.2},
		{"Temperature", first.Temperature, 11},
		{"WindSpeed", first.WindSpeed, 3},
		{"CloudCover", first.CloudCover, 50},
		{"second GHI", run.Samples[1].GHI, 0},
		{"second CloudCover", run.Samples[1].CloudCover, 100},
		// Dark hour inherits the run mean.
		{"second Albedo", run.Samples[1].Albedo, 0.2},
	}
	for _, c := range checks {
		if !c.got.Valid || math.Abs(c.got.Float64-c.want) > 1e-9 {
			t.Errorf("%s = %+v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestParseMultiPointCoverage_RunTimeFallback(t *testing.T) {
	doc := strings.Replace(wfsFixture, "2024-06-20T21:00:00Z", "", 1)
	run, err := ParseMultiPointCoverage([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC); !run.RunTime.Equal(want) {
		t.Errorf("RunTime = %v, want %v", run.RunTime, want)
	}
}

func TestParseMultiPointCoverage_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not xml", "{}"},
		{"exception report", wfsException},
		{"no members", `<FeatureCollection></FeatureCollection>`},
		{"value count mismatch", strings.Replace(wfsFixture, "14.0 1800000.0", "1800000.0", 1)},
		{"single step", strings.Replace(strings.Replace(wfsFixture,
			"60.17 24.94  1718931600\n                60.17 24.94  1718935200", "", 1),
			"12.0 1800000.0 1440000.0 720000.0 4.0 NaN\n                14.0 1800000.0 1440000.0 720000.0 6.0 100.0", "", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMultiPointCoverage([]byte(tt.body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func newTestFMIClient(url string) *FMIClient {
	c := NewFMIClient()
	c.baseURL = url
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	c.now = func() time.Time { return time.Date(2024, 6, 21, 8, 30, 0, 0, time.UTC) }
	return c
}

func TestFMIClient_FetchRun(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(wfsFixture))
	}))
	defer srv.Close()

	c := newTestFMIClient(srv.URL)
	res, err := c.FetchRun(context.Background(), models.Location{Latitude: 60.17, Longitude: 24.94})
	if err != nil {
		t.Fatalf("FetchRun: %v", err)
	}
	if res.HTTPStatus != http.StatusOK || res.ResponseSize != len(wfsFixture) {
		t.Errorf("status %d size %d", res.HTTPStatus, res.ResponseSize)
	}
	if res.Run == nil || res.Run.Source != "fmi" || len(res.Run.Samples) != 2 {
		t.Fatalf("unexpected run: %+v", res.Run)
	}

	for _, want := range []string{
		"storedquery_id=fmi%3A%3Aforecast%3A%3Aharmonie",
		"latlon=60.1700%2C24.9400",
		"starttime=2024-06-21T00%3A00%3A00Z",
		"endtime=2024-06-23T23%3A59%3A00Z",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %q", query, want)
		}
	}
}

func TestFMIClient_BadRequestIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(wfsException))
	}))
	defer srv.Close()

	res, err := newTestFMIClient(srv.URL).FetchRun(context.Background(), models.Location{Latitude: 60, Longitude: 25})
	if !errors.Is(err, ErrWeatherUnavailable) {
		t.Fatalf("err = %v, want ErrWeatherUnavailable", err)
	}
	if calls.Load() != 1 {
		t.Errorf("made %d requests, want 1", calls.Load())
	}
	if res == nil || res.HTTPStatus != http.StatusBadRequest || len(res.Body) == 0 {
		t.Errorf("failed fetch should keep status and body for auditing: %+v", res)
	}
}

func TestFMIClient_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(wfsFixture))
	}))
	defer srv.Close()

	if _, err := newTestFMIClient(srv.URL).FetchRun(context.Background(), models.Location{Latitude: 60, Longitude: 25}); err != nil {
		t.Fatalf("FetchRun: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("made %d requests, want 2", calls.Load())
	}
}

func TestFMIClient_ParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FeatureCollection></FeatureCollection>`))
	}))
	defer srv.Close()

	_, err := newTestFMIClient(srv.URL).FetchRun(context.Background(), models.Location{Latitude: 60, Longitude: 25})
	if !errors.Is(err, ErrWeatherUnavailable) {
		t.Errorf("err = %v, want ErrWeatherUnavailable", err)
	}
}
