package activation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/relaypush/relaypush/pkg/push/activation"

// Metrics holds the OpenTelemetry instruments recorded by the machine.
// A nil *Metrics records nothing.
type Metrics struct {
	transitions     metric.Int64Counter
	unhandled       metric.Int64Counter
	deferred        metric.Int64Counter
	persistFailures metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(instrumentationName))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	transitions, err := meter.Int64Counter(
		"push.activation.transitions",
		metric.WithDescription("Number of applied activation transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	unhandled, err := meter.Int64Counter(
		"push.activation.unhandled",
		metric.WithDescription("Number of events dropped because the state does not accept them"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	deferred, err := meter.Int64Counter(
		"push.activation.deferred",
		metric.WithDescription("Number of events held back while a backend call is in flight"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	persistFailures, err := meter.Int64Counter(
		"push.activation.persist_failures",
		metric.WithDescription("Number of transitions rolled back because the record could not be saved"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transitions:     transitions,
		unhandled:       unhandled,
		deferred:        deferred,
		persistFailures: persistFailures,
	}, nil
}

func (m *Metrics) recordTransition(ctx context.Context, ev Event, from, to State) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", ev.Name()),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *Metrics) recordUnhandled(ctx context.Context, ev Event, s State) {
	if m == nil {
		return
	}
	m.unhandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", ev.Name()),
		attribute.String("state", s.String()),
	))
}

func (m *Metrics) recordDeferred(ctx context.Context, ev Event, s State) {
	if m == nil {
		return
	}
	m.deferred.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", ev.Name()),
		attribute.String("state", s.String()),
	))
}

func (m *Metrics) recordPersistFailure(ctx context.Context, ev Event) {
	if m == nil {
		return
	}
	m.persistFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.Name())))
}
