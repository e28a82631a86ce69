package reconcile

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/markersync/markersync/internal/reconcile"

type instruments struct {
	applied metric.Int64Counter
	stale   metric.Int64Counter
	echoes  metric.Int64Counter
	resyncs metric.Int64Counter
}

// newInstruments registers the engine counters on the global meter
// (no-op if not configured).
func newInstruments() (*instruments, error) {
	m := otel.Meter(instrumentationName)
	var (
		ins instruments
		err error
	)

	ins.applied, err = m.Int64Counter(
		"reconcile.events.applied",
		metric.WithDescription("Changes written into the replica"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating applied counter: %w", err)
	}

	ins.stale, err = m.Int64Counter(
		"reconcile.events.stale",
		metric.WithDescription("Incoming copies discarded as older than the replica"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stale counter: %w", err)
	}

	ins.echoes, err = m.Int64Counter(
		"reconcile.events.echoes",
		metric.WithDescription("Feed echoes of local mutations absorbed silently"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating echoes counter: %w", err)
	}

	ins.resyncs, err = m.Int64Counter(
		"reconcile.resyncs",
		metric.WithDescription("Completed full resyncs"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resyncs counter: %w", err)
	}

	return &ins, nil
}
