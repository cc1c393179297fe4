package comfyui

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	jobs        metric.Int64Counter
	jobDuration metric.Int64Histogram
	interrupts  metric.Int64Counter
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/comfyd/engine")
	m := &engineMetrics{}
	var err error

	m.jobs, err = meter.Int64Counter(
		"comfyd.engine.jobs",
		metric.WithDescription("Engine jobs by terminal result"),
	)
	logMetricInitError(logger, "comfyd.engine.jobs", err)

	m.jobDuration, err = meter.Int64Histogram(
		"comfyd.engine.job.duration_ms",
		metric.WithDescription("Engine job duration from submit to terminal event"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "comfyd.engine.job.duration_ms", err)

	m.interrupts, err = meter.Int64Counter(
		"comfyd.engine.interrupts",
		metric.WithDescription("Best-effort interrupts issued after caller cancellation"),
	)
	logMetricInitError(logger, "comfyd.engine.interrupts", err)

	return m
}

func (m *engineMetrics) recordJob(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("comfyd.engine.result", metricResultLabel(err)))
	if m.jobs != nil {
		m.jobs.Add(ctx, 1, attrs)
	}
	if m.jobDuration != nil {
		m.jobDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *engineMetrics) recordInterrupt(ctx context.Context, err error) {
	if m == nil || m.interrupts == nil {
		return
	}
	m.interrupts.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("comfyd.engine.result", metricResultLabel(err)),
	))
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
