package ingest

import (
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/lox/pvforecast/internal/httputil"
	"github.com/lox/pvforecast/internal/log"
	"github.com/lox/pvforecast/internal/metrics"
	"github.com/lox/pvforecast/internal/models"
)

const (
	FMIBaseURL     = "https://opendata.fmi.fi/wfs"
	FMIStoredQuery = "fmi::forecast::harmonie::surface::point::multipointcoverage"
	fmiSource      = "fmi"
	fmiWindow      = 3*24*time.Hour - time.Minute
	maxBodySize    = 8 << 20
)

var fmiParameters = []string{
	"Temperature",
	"RadiationGlobalAccumulation",
	"RadiationNetSurfaceSWAccumulation",
	"RadiationSWAccumulation",
	"WindSpeedMS",
	"TotalCloudCover",
}

// FetchResult describes one weather fetch. It is returned alongside errors
// so failed fetches still leave an audit trail.
type FetchResult struct {
	HTTPStatus   int
	ResponseSize int
	Body         []byte
	Run          *models.ModelRun
}

// WeatherSource supplies NWP model runs for a location.
type WeatherSource interface {
	Source() string
	Endpoint() string
	FetchRun(ctx context.Context, loc models.Location) (*FetchResult, error)
}

// FMIClient downloads HARMONIE point forecasts from the FMI open data WFS.
type FMIClient struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	now     func() time.Time
}

func NewFMIClient() *FMIClient {
	return &FMIClient{
		client:  httputil.NewClient(),
		baseURL: FMIBaseURL,
		// FMI allows 600 requests per 5 minutes; stay well below.
		limiter: rate.NewLimiter(rate.Limit(0.5), 2),
		now:     time.Now,
	}
}

func (c *FMIClient) Source() string { return fmiSource }

func (c *FMIClient) Endpoint() string { return FMIStoredQuery }

// FetchRun downloads the latest HARMONIE run for loc, covering three days
// from 00 UTC today.
func (c *FMIClient) FetchRun(ctx context.Context, loc models.Location) (*FetchResult, error) {
	start := c.now().UTC().Truncate(24 * time.Hour)
	q := url.Values{}
	q.Set("service", "WFS")
	q.Set("version", "2.0.0")
	q.Set("request", "getFeature")
	q.Set("storedquery_id", FMIStoredQuery)
	q.Set("latlon", fmt.Sprintf("%.4f,%.4f", loc.Latitude, loc.Longitude))
	q.Set("starttime", start.Format(time.RFC3339))
	q.Set("endtime", start.Add(fmiWindow).Format(time.RFC3339))
	q.Set("timestep", "60")
	q.Set("parameters", strings.Join(fmiParameters, ","))
	reqURL := c.baseURL + "?" + q.Encode()

	result := &FetchResult{}
	began := time.Now()
	defer func() {
		metrics.WeatherFetchLatency.WithLabelValues(fmiSource).Observe(time.Since(began).Seconds())
	}()

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limit wait canceled: %w", err))
		}

		log.Debugf("fmi: GET %s", reqURL)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("fetch fmi: %w", err)
		}
		defer resp.Body.Close()

		result.HTTPStatus = resp.StatusCode
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		result.Body = body
		result.ResponseSize = len(body)

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("fetch fmi: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("fetch fmi: status %d: %s", resp.StatusCode, truncateBody(body, 200)))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		metrics.WeatherFetchTotal.WithLabelValues(fmiSource, "error").Inc()
		return result, fmt.Errorf("%w: %w", ErrWeatherUnavailable, err)
	}

	run, err := ParseMultiPointCoverage(result.Body)
	if err != nil {
		metrics.WeatherFetchTotal.WithLabelValues(fmiSource, "parse_error").Inc()
		return result, fmt.Errorf("%w: %w", ErrWeatherUnavailable, err)
	}
	run.Source = fmiSource
	result.Run = run

	metrics.WeatherFetchTotal.WithLabelValues(fmiSource, "ok").Inc()
	return result, nil
}

type wfsFeatureCollection struct {
	XMLName xml.Name    `xml:"FeatureCollection"`
	Members []wfsMember `xml:"member"`
}

type wfsMember struct {
	Observation struct {
		ResultTime string `xml:"resultTime>TimeInstant>timePosition"`
		Coverage   struct {
			Positions string `xml:"domainSet>SimpleMultiPoint>positions"`
			Values    string `xml:"rangeSet>DataBlock>doubleOrNilReasonTupleList"`
			Fields    []struct {
				Name string `xml:"name,attr"`
			} `xml:"rangeType>DataRecord>field"`
		} `xml:"result>MultiPointCoverage"`
	} `xml:"GridSeriesObservation"`
}

type fmiRow struct {
	time   time.Time
	values map[string]float64
}

// ParseMultiPointCoverage decodes a WFS multipointcoverage document into a
// model run. Accumulated radiation is differenced into mean W/m² over each
// step and stamped at the start of the step.
func ParseMultiPointCoverage(body []byte) (*models.ModelRun, error) {
	var doc wfsFeatureCollection
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode wfs: %w", err)
	}
	if len(doc.Members) == 0 {
		return nil, errors.New("wfs response has no members")
	}

	obs := doc.Members[0].Observation
	var names []string
	for _, f := range obs.Coverage.Fields {
		names = append(names, f.Name)
	}
	if len(names) == 0 {
		return nil, errors.New("wfs response has no fields")
	}

	positions := strings.Fields(obs.Coverage.Positions)
	values := strings.Fields(obs.Coverage.Values)
	if len(positions)%3 != 0 {
		return nil, fmt.Errorf("malformed positions: %d tokens", len(positions))
	}
	steps := len(positions) / 3
	if steps == 0 {
		return nil, errors.New("wfs response has no time steps")
	}
	if len(values) != steps*len(names) {
		return nil, fmt.Errorf("got %d values for %d steps of %d fields", len(values), steps, len(names))
	}

	rows := make([]fmiRow, steps)
	for i := 0; i < steps; i++ {
		epoch, err := strconv.ParseInt(positions[i*3+2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("position %d time: %w", i, err)
		}
		row := fmiRow{time: time.Unix(epoch, 0).UTC(), values: make(map[string]float64, len(names))}
		for j, name := range names {
			v, err := strconv.ParseFloat(values[i*len(names)+j], 64)
			if err != nil {
				v = math.NaN()
			}
			row.values[name] = v
		}
		rows[i] = row
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].time.Before(rows[b].time) })

	run := &models.ModelRun{Samples: samplesFromRows(rows)}
	if len(run.Samples) == 0 {
		return nil, errors.New("wfs response has fewer than two time steps")
	}

	if resultTime := strings.TrimSpace(obs.ResultTime); resultTime != "" {
		rt, err := time.Parse(time.RFC3339, resultTime)
		if err != nil {
			return nil, fmt.Errorf("result time: %w", err)
		}
		run.RunTime = rt.UTC()
	} else {
		run.RunTime = rows[0].time.Truncate(3 * time.Hour)
	}
	return run, nil
}

func samplesFromRows(rows []fmiRow) []models.WeatherSample {
	var samples []models.WeatherSample
	var albedoSum float64
	var albedoCount int

	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		dt := cur.time.Sub(prev.time).Seconds()
		if dt <= 0 {
			continue
		}

		s := models.WeatherSample{Time: prev.time}
		ghi := rateOf(prev, cur, "RadiationGlobalAccumulation", dt)
		net := rateOf(prev, cur, "RadiationNetSurfaceSWAccumulation", dt)
		s.GHI = ghi
		s.DirectHorizontal = rateOf(prev, cur, "RadiationSWAccumulation", dt)
		s.Temperature = meanOf(prev, cur, "Temperature")
		s.WindSpeed = meanOf(prev, cur, "WindSpeedMS")
		s.CloudCover = meanOf(prev, cur, "TotalCloudCover")

		if ghi.Valid && net.Valid && ghi.Float64 > 0 {
			a := (ghi.Float64 - net.Float64) / ghi.Float64
			if a >= 0 && a <= 1 {
				s.Albedo = sql.NullFloat64{Float64: a, Valid: true}
				albedoSum += a
				albedoCount++
			}
		}
		samples = append(samples, s)
	}

	// Night hours have no albedo of their own; use the run mean.
	if albedoCount > 0 {
		mean := albedoSum / float64(albedoCount)
		for i := range samples {
			if !samples[i].Albedo.Valid {
				samples[i].Albedo = sql.NullFloat64{Float64: mean, Valid: true}
			}
		}
	}
	return samples
}

func rateOf(prev, cur fmiRow, name string, dt float64) sql.NullFloat64 {
	a, okA := prev.values[name]
	b, okB := cur.values[name]
	if !okA || !okB || math.IsNaN(a) || math.IsNaN(b) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: math.Max(0, (b-a)/dt), Valid: true}
}

func meanOf(prev, cur fmiRow, name string) sql.NullFloat64 {
	a, okA := prev.values[name]
	b, okB := cur.values[name]
	switch {
	case okA && okB && !math.IsNaN(a) && !math.IsNaN(b):
		return sql.NullFloat64{Float64: (a + b) / 2, Valid: true}
	case okB && !math.IsNaN(b):
		return sql.NullFloat64{Float64: b, Valid: true}
	case okA && !math.IsNaN(a):
		return sql.NullFloat64{Float64: a, Valid: true}
	}
	return sql.NullFloat64{}
}

func truncateBody(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
