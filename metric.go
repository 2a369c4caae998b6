package tagbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// busMetrics holds the OpenTelemetry counters of one bus.
// When metrics are disabled every counter is a noop instrument.
type busMetrics struct {
	delivered  metric.Int64Counter
	pruned     metric.Int64Counter
	panics     metric.Int64Counter
	published  metric.Int64Counter
	rejected   metric.Int64Counter
	forwarded  metric.Int64Counter
	replayed   metric.Int64Counter
	duplicates metric.Int64Counter
	dropped    metric.Int64Counter
}

func newBusMetrics(name string, enabled bool) *busMetrics {
	var meter metric.Meter
	if enabled {
		meter = otel.Meter(name)
	} else {
		meter = noop.NewMeterProvider().Meter(name)
	}

	counter := func(n, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(n, metric.WithDescription(desc), metric.WithUnit("{envelope}"))
		if err != nil {
			c, _ = noop.NewMeterProvider().Meter(name).Int64Counter(n)
		}
		return c
	}

	return &busMetrics{
		delivered:  counter("tagbus.delivered", "Number of envelopes delivered to listeners"),
		pruned:     counter("tagbus.subscriber.pruned", "Number of dead subscribers removed during dispatch"),
		panics:     counter("tagbus.listener.panics", "Number of recovered listener panics"),
		published:  counter("tagbus.global.published", "Number of authoritative Global broadcasts"),
		rejected:   counter("tagbus.global.rejected", "Number of rejected Global requests"),
		forwarded:  counter("tagbus.global.forwarded", "Number of Global requests forwarded to the authority"),
		replayed:   counter("tagbus.global.replayed", "Number of history entries replayed to late joiners"),
		duplicates: counter("tagbus.global.duplicates", "Number of duplicate Global envelopes dropped"),
		dropped:    counter("tagbus.transport.dropped", "Number of envelopes the transport failed to send"),
	}
}

func (m *busMetrics) add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil || c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}
