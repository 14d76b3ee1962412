package mailvault

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/mailvault/mailvault"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Intake
	storeLatency metric.Float64Histogram
	storeCount   metric.Int64Counter
	storeErrors  metric.Int64Counter
	storeBytes   metric.Int64Counter

	// Reads
	getLatency  metric.Float64Histogram
	getCount    metric.Int64Counter
	getErrors   metric.Int64Counter
	listLatency metric.Float64Histogram
	listCount   metric.Int64Counter
	listErrors  metric.Int64Counter

	// Deletes
	deleteLatency metric.Float64Histogram
	deleteCount   metric.Int64Counter
	deleteErrors  metric.Int64Counter

	// Lifecycle
	reapLatency    metric.Float64Histogram
	reapCount      metric.Int64Counter
	reapErrors     metric.Int64Counter
	processLatency metric.Float64Histogram
	processCount   metric.Int64Counter
	processErrors  metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	// Initialize tracer
	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	// Initialize metrics
	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Intake metrics
	o.storeLatency, err = meter.Float64Histogram(
		"mailvault.store.duration",
		metric.WithDescription("Duration of inbound store operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.storeCount, err = meter.Int64Counter(
		"mailvault.store.count",
		metric.WithDescription("Number of inbound emails stored"),
	)
	if err != nil {
		return err
	}

	o.storeErrors, err = meter.Int64Counter(
		"mailvault.store.errors",
		metric.WithDescription("Number of inbound store errors"),
	)
	if err != nil {
		return err
	}

	o.storeBytes, err = meter.Int64Counter(
		"mailvault.store.bytes",
		metric.WithDescription("Raw message bytes stored"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	// Get metrics
	o.getLatency, err = meter.Float64Histogram(
		"mailvault.get.duration",
		metric.WithDescription("Duration of get operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.getCount, err = meter.Int64Counter(
		"mailvault.get.count",
		metric.WithDescription("Number of get operations"),
	)
	if err != nil {
		return err
	}

	o.getErrors, err = meter.Int64Counter(
		"mailvault.get.errors",
		metric.WithDescription("Number of get errors"),
	)
	if err != nil {
		return err
	}

	// List metrics
	o.listLatency, err = meter.Float64Histogram(
		"mailvault.list.duration",
		metric.WithDescription("Duration of list operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.listCount, err = meter.Int64Counter(
		"mailvault.list.count",
		metric.WithDescription("Number of list operations"),
	)
	if err != nil {
		return err
	}

	o.listErrors, err = meter.Int64Counter(
		"mailvault.list.errors",
		metric.WithDescription("Number of list errors"),
	)
	if err != nil {
		return err
	}

	// Delete metrics
	o.deleteLatency, err = meter.Float64Histogram(
		"mailvault.delete.duration",
		metric.WithDescription("Duration of delete operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.deleteCount, err = meter.Int64Counter(
		"mailvault.delete.count",
		metric.WithDescription("Number of delete operations"),
	)
	if err != nil {
		return err
	}

	o.deleteErrors, err = meter.Int64Counter(
		"mailvault.delete.errors",
		metric.WithDescription("Number of delete errors"),
	)
	if err != nil {
		return err
	}

	// Reap metrics
	o.reapLatency, err = meter.Float64Histogram(
		"mailvault.reap.duration",
		metric.WithDescription("Duration of reaper sweeps"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.reapCount, err = meter.Int64Counter(
		"mailvault.reap.count",
		metric.WithDescription("Number of temp mailboxes queued for cleanup"),
	)
	if err != nil {
		return err
	}

	o.reapErrors, err = meter.Int64Counter(
		"mailvault.reap.errors",
		metric.WithDescription("Number of reaper sweep errors"),
	)
	if err != nil {
		return err
	}

	// Process metrics
	o.processLatency, err = meter.Float64Histogram(
		"mailvault.process.duration",
		metric.WithDescription("Duration of email parse jobs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.processCount, err = meter.Int64Counter(
		"mailvault.process.count",
		metric.WithDescription("Number of email parse jobs run"),
	)
	if err != nil {
		return err
	}

	o.processErrors, err = meter.Int64Counter(
		"mailvault.process.errors",
		metric.WithDescription("Number of email parse job errors"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// Caller must call the returned function with the operation's error when done.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordStore records inbound store metrics.
func (o *otelInstrumentation) recordStore(ctx context.Context, duration time.Duration, size int64, err error) {
	if !o.metricsEnabled {
		return
	}

	o.storeLatency.Record(ctx, duration.Seconds())
	o.storeCount.Add(ctx, 1)
	if err != nil {
		o.storeErrors.Add(ctx, 1)
	} else {
		o.storeBytes.Add(ctx, size)
	}
}

// recordGet records get operation metrics.
func (o *otelInstrumentation) recordGet(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.getLatency.Record(ctx, duration.Seconds())
	o.getCount.Add(ctx, 1)
	if err != nil {
		o.getErrors.Add(ctx, 1)
	}
}

// recordList records list operation metrics.
func (o *otelInstrumentation) recordList(ctx context.Context, duration time.Duration, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("result_count", resultCount),
	)

	o.listLatency.Record(ctx, duration.Seconds(), attrs)
	o.listCount.Add(ctx, 1, attrs)
	if err != nil {
		o.listErrors.Add(ctx, 1, attrs)
	}
}

// recordDelete records delete operation metrics.
func (o *otelInstrumentation) recordDelete(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.deleteLatency.Record(ctx, duration.Seconds())
	o.deleteCount.Add(ctx, 1)
	if err != nil {
		o.deleteErrors.Add(ctx, 1)
	}
}

// recordReap records reaper sweep metrics.
func (o *otelInstrumentation) recordReap(ctx context.Context, duration time.Duration, queued int, err error) {
	if !o.metricsEnabled {
		return
	}

	o.reapLatency.Record(ctx, duration.Seconds())
	o.reapCount.Add(ctx, int64(queued))
	if err != nil {
		o.reapErrors.Add(ctx, 1)
	}
}

// recordProcess records parse job metrics.
func (o *otelInstrumentation) recordProcess(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}

	o.processLatency.Record(ctx, duration.Seconds())
	o.processCount.Add(ctx, 1)
	if err != nil {
		o.processErrors.Add(ctx, 1)
	}
}
