// Package telemetry provides thin metric and span-event emission helpers.
//
// Metrics go through the global OpenTelemetry MeterProvider; when the host
// application installs none, emission is a no-op. Labels are passed as
// alternating key-value pairs.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/finsight/capcore"

var (
	mu         sync.Mutex
	counters   = map[string]metric.Float64Counter{}
	histograms = map[string]metric.Float64Histogram{}
)

func meter() metric.Meter {
	return otel.GetMeterProvider().Meter(instrumentationName)
}

// Counter increments a counter metric by 1.
// Example: Counter("capcore.tasks.submitted", "capability", "analyze_stock")
func Counter(name string, labels ...string) {
	mu.Lock()
	c, ok := counters[name]
	if !ok {
		var err error
		c, err = meter().Float64Counter(name)
		if err != nil {
			mu.Unlock()
			return
		}
		counters[name] = c
	}
	mu.Unlock()

	c.Add(context.Background(), 1, metric.WithAttributes(attrsFromLabels(labels)...))
}

// Histogram records a value in a distribution. Use for latencies, queue
// depths, payload sizes.
func Histogram(name string, value float64, labels ...string) {
	mu.Lock()
	h, ok := histograms[name]
	if !ok {
		var err error
		h, err = meter().Float64Histogram(name)
		if err != nil {
			mu.Unlock()
			return
		}
		histograms[name] = h
	}
	mu.Unlock()

	h.Record(context.Background(), value, metric.WithAttributes(attrsFromLabels(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// AddSpanEvent attaches an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// attrsFromLabels converts alternating key-value pairs to attributes.
// A trailing odd label is dropped.
func attrsFromLabels(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
