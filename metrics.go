package comfyd

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/comfyd"

type gatewayMetrics struct {
	sessionsOpened  metric.Int64Counter
	sessionsClosed  metric.Int64Counter
	sessionsActive  metric.Int64ObservableGauge
	toolCalls       metric.Int64Counter
	toolDuration    metric.Int64Histogram
	progressRelayed metric.Int64Counter
	rehostUploads   metric.Int64Counter
}

func newGatewayMetrics(logger pslog.Logger) *gatewayMetrics {
	meter := otel.Meter(meterName)
	m := &gatewayMetrics{}
	var err error

	m.sessionsOpened, err = meter.Int64Counter(
		"comfyd.sessions.opened",
		metric.WithDescription("Push-channel sessions registered"),
	)
	logMetricInitError(logger, "comfyd.sessions.opened", err)

	m.sessionsClosed, err = meter.Int64Counter(
		"comfyd.sessions.closed",
		metric.WithDescription("Push-channel sessions torn down"),
	)
	logMetricInitError(logger, "comfyd.sessions.closed", err)

	m.sessionsActive, err = meter.Int64ObservableGauge(
		"comfyd.sessions.active",
		metric.WithDescription("Currently registered push-channel sessions"),
	)
	logMetricInitError(logger, "comfyd.sessions.active", err)

	m.toolCalls, err = meter.Int64Counter(
		"comfyd.tool.calls",
		metric.WithDescription("Tool invocations by result"),
	)
	logMetricInitError(logger, "comfyd.tool.calls", err)

	m.toolDuration, err = meter.Int64Histogram(
		"comfyd.tool.duration_ms",
		metric.WithDescription("Tool invocation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "comfyd.tool.duration_ms", err)

	m.progressRelayed, err = meter.Int64Counter(
		"comfyd.progress.relayed",
		metric.WithDescription("Progress notifications relayed to push channels"),
	)
	logMetricInitError(logger, "comfyd.progress.relayed", err)

	m.rehostUploads, err = meter.Int64Counter(
		"comfyd.rehost.uploads",
		metric.WithDescription("Artifact re-host attempts by result"),
	)
	logMetricInitError(logger, "comfyd.rehost.uploads", err)

	return m
}

func (m *gatewayMetrics) registerSessions(r *sessionRegistry) {
	if m == nil || r == nil || m.sessionsActive == nil {
		return
	}
	meter := otel.Meter(meterName)
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.sessionsActive, int64(r.Len()))
		return nil
	}, m.sessionsActive); err != nil && r.logger != nil {
		r.logger.Warn("telemetry.metric.callback_failed", "name", "comfyd.sessions.active", "error", err)
	}
}

func (m *gatewayMetrics) recordSessionOpened(ctx context.Context) {
	if m == nil || m.sessionsOpened == nil {
		return
	}
	m.sessionsOpened.Add(metricContext(ctx), 1)
}

func (m *gatewayMetrics) recordSessionClosed(ctx context.Context) {
	if m == nil || m.sessionsClosed == nil {
		return
	}
	m.sessionsClosed.Add(metricContext(ctx), 1)
}

func (m *gatewayMetrics) recordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("comfyd.tool", tool),
		attribute.String("comfyd.tool.result", metricResultLabel(err)),
	}
	if m.toolCalls != nil {
		m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.toolDuration != nil {
		m.toolDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func (m *gatewayMetrics) recordProgressRelayed(ctx context.Context) {
	if m == nil || m.progressRelayed == nil {
		return
	}
	m.progressRelayed.Add(metricContext(ctx), 1)
}

func (m *gatewayMetrics) recordRehost(ctx context.Context, err error) {
	if m == nil || m.rehostUploads == nil {
		return
	}
	m.rehostUploads.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("comfyd.rehost.result", metricResultLabel(err)),
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
