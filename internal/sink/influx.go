package sink

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/xtxerr/powerwatch/config"
	"github.com/xtxerr/powerwatch/internal/errors"
)

// InfluxSinkName identifies the InfluxDB sink in logs and metrics.
const InfluxSinkName = "influxdb"

// InfluxOptions configures the InfluxDB sink.
type InfluxOptions struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration
}

// Influx writes one point per reading and one per touched bucket.
type Influx struct {
	client      influxdb2.Client
	writer      api.WriteAPIBlocking
	measurement string
}

// NewInflux creates the sink. It does not contact the server; failures
// surface on the first Publish.
func NewInflux(opts InfluxOptions) (*Influx, error) {
	if opts.URL == "" || opts.Org == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("%w: influxdb url, org and bucket are required", errors.ErrSinkUnavailable)
	}
	if opts.Measurement == "" {
		opts.Measurement = config.DefaultInfluxMeasurement
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultSinkTimeout
	}

	secs := uint(opts.Timeout.Round(time.Second) / time.Second)
	if secs == 0 {
		secs = 1
	}
	clientOpts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(secs)
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token, clientOpts)

	return &Influx{
		client:      client,
		writer:      client.WriteAPIBlocking(opts.Org, opts.Bucket),
		measurement: opts.Measurement,
	}, nil
}

func (s *Influx) Name() string { return InfluxSinkName }

// Publish writes ev synchronously.
func (s *Influx) Publish(ctx context.Context, ev *Event) error {
	if err := s.writer.WritePoint(ctx, s.points(ev)...); err != nil {
		return fmt.Errorf("%w: influxdb write: %w", errors.ErrSinkUnavailable, err)
	}
	return nil
}

func (s *Influx) points(ev *Event) []*write.Point {
	tags := map[string]string{}
	if ev.MeterNumber != "" {
		tags["meter_number"] = ev.MeterNumber
	}
	if ev.MeterName != "" {
		tags["meter_name"] = ev.MeterName
	}

	fields := map[string]interface{}{
		"remaining_power": ev.RemainingPower.Float64(),
		"delta":           ev.Delta.Float64(),
		"recharge":        ev.Recharge,
	}
	if ev.RemainingAmount != nil {
		fields["remaining_amount"] = ev.RemainingAmount.Float64()
	}
	if ev.UnitPrice != nil {
		fields["unit_price"] = ev.UnitPrice.Float64()
	}

	points := []*write.Point{write.NewPoint(s.measurement, tags, fields, ev.Timestamp)}

	for resolution, b := range ev.Buckets {
		btags := make(map[string]string, len(tags)+2)
		for k, v := range tags {
			btags[k] = v
		}
		btags["resolution"] = resolution
		btags["key"] = b.Key

		bfields := map[string]interface{}{
			"usage":        b.Usage.Float64(),
			"sample_count": b.SampleCount,
		}
		if b.PeakPower != nil {
			bfields["peak_power"] = b.PeakPower.Float64()
		}
		points = append(points, write.NewPoint(s.measurement+"_bucket", btags, bfields, ev.Timestamp))
	}
	return points
}

// Close releases the client's idle connections.
func (s *Influx) Close() error {
	s.client.Close()
	return nil
}
