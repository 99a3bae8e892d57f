// Package telemetry keeps a local history of the dashboard figures the
// console has shown, so the dashboard can draw a 24h trend.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"smart-energy-console/console/internal/models"
	"smart-energy-console/shared/influxx"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/metricsx"
)

const measurement = "dashboard_snapshot"

type Recorder interface {
	RecordDashboard(ctx context.Context, d models.Dashboard)
	Trend(ctx context.Context) ([]TrendPoint, error)
}

type TrendPoint struct {
	Time             time.Time
	BatteryCharge    float64
	SolarProduction  float64
	TotalConsumption float64
}

// Nop is used when no InfluxDB is configured.
type Nop struct{}

func (Nop) RecordDashboard(context.Context, models.Dashboard) {}

func (Nop) Trend(context.Context) ([]TrendPoint, error) { return nil, nil }

type store interface {
	Bucket() string
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
	QuerySamples(ctx context.Context, flux string) ([]influxx.Sample, error)
}

type Influx struct {
	client store
	source string
	logger logx.Logger
	now    func() time.Time
}

// NewInflux tags every snapshot with source, normally the backend URL.
func NewInflux(client *influxx.Client, source string, logger logx.Logger) *Influx {
	return &Influx{client: client, source: source, logger: logger, now: time.Now}
}

// RecordDashboard writes the figures that were present. Failures are
// counted and logged; the page never waits on them.
func (i *Influx) RecordDashboard(ctx context.Context, d models.Dashboard) {
	fields := map[string]any{}
	put := func(name string, v *float64) {
		if v != nil {
			fields[name] = *v
		}
	}
	put("battery_charge", d.BatteryCharge)
	put("solar_production", d.SolarProduction)
	put("total_consumption", d.TotalConsumption)
	put("cost_savings", d.CostSavings)
	if len(fields) == 0 {
		return
	}
	if err := i.client.WritePoint(ctx, measurement, map[string]string{"source": i.source}, fields, i.now().UTC()); err != nil {
		metricsx.IncInfluxWriteFailure()
		i.logger.Warn(ctx, "telemetry_write_failed", "failed to record dashboard snapshot", logx.Err("UPSTREAM_ERROR", err)...)
	}
}

func (i *Influx) Trend(ctx context.Context) ([]TrendPoint, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: -24h)
  |> filter(fn: (r) => r._measurement == %q and r.source == %q)
  |> filter(fn: (r) => r._field == "battery_charge" or r._field == "solar_production" or r._field == "total_consumption")
  |> aggregateWindow(every: 1h, fn: mean, createEmpty: false)`, i.client.Bucket(), measurement, i.source)

	samples, err := i.client.QuerySamples(ctx, flux)
	if err != nil {
		return nil, err
	}
	return pivot(samples), nil
}

func pivot(samples []influxx.Sample) []TrendPoint {
	byTime := map[int64]*TrendPoint{}
	for _, s := range samples {
		key := s.Time.Unix()
		p, ok := byTime[key]
		if !ok {
			p = &TrendPoint{Time: s.Time}
			byTime[key] = p
		}
		switch s.Field {
		case "battery_charge":
			p.BatteryCharge = s.Value
		case "solar_production":
			p.SolarProduction = s.Value
		case "total_consumption":
			p.TotalConsumption = s.Value
		}
	}
	out := make([]TrendPoint, 0, len(byTime))
	for _, p := range byTime {
		out = append(out, *p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Time.Before(out[b].Time) })
	return out
}
