package pollqueue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/domonda/go-pollqueue"

// Instruments:
//   - pollqueue.job.duration (Float64Histogram): handler run time in seconds
//     of jobs with a terminal write, attributes job_name and status
//   - pollqueue.job.status (Int64UpDownCounter): jobs per status
//     as observed by this queue, attributes job_name and status
type metrics struct {
	duration metric.Float64Histogram
	status   metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	duration, err := meter.Float64Histogram(
		"pollqueue.job.duration",
		metric.WithDescription("Duration of job handlers in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Error("Error creating job duration histogram").Err(err).Log()
	}
	if duration == nil {
		duration = noop.Float64Histogram{}
	}
	status, err := meter.Int64UpDownCounter(
		"pollqueue.job.status",
		metric.WithDescription("Number of jobs per status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		log.Error("Error creating job status counter").Err(err).Log()
	}
	if status == nil {
		status = noop.Int64UpDownCounter{}
	}
	return &metrics{duration: duration, status: status}
}

func (m *metrics) recordDuration(ctx context.Context, job *Job) {
	m.duration.Record(ctx, job.Duration.Seconds(), metric.WithAttributes(
		attribute.String("job_name", job.Name),
		attribute.String("status", string(job.Status)),
	))
}

// move a job of name from one status to another,
// an empty from or to status is not counted.
func (m *metrics) move(ctx context.Context, name string, from, to Status) {
	if from == to {
		return
	}
	if from != "" {
		m.status.Add(ctx, -1, metric.WithAttributes(
			attribute.String("job_name", name),
			attribute.String("status", string(from)),
		))
	}
	if to != "" {
		m.status.Add(ctx, 1, metric.WithAttributes(
			attribute.String("job_name", name),
			attribute.String("status", string(to)),
		))
	}
}
