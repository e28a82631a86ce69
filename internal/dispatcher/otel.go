package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/markersync/markersync/internal/dispatcher"

type instruments struct {
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	failed    metric.Int64Counter
	dropped   metric.Int64Counter
}

// registerInstruments creates the command counters and the per-action queue
// gauge on the global meter (no-op if not configured).
func (d *Dispatcher) registerInstruments() error {
	m := otel.Meter(instrumentationName)
	var err error

	d.ins.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Commands waiting in a buffered action queue"),
	)
	if err != nil {
		return fmt.Errorf("creating queue size gauge: %w", err)
	}
	if _, err = m.RegisterCallback(d.observeQueues, d.ins.queueSize); err != nil {
		return fmt.Errorf("registering queue callback: %w", err)
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&d.ins.processed, "dispatcher.commands.processed", "Commands handled, by action"},
		{&d.ins.failed, "dispatcher.commands.failed", "Commands whose handler returned an error"},
		{&d.ins.dropped, "dispatcher.commands.dropped", "Commands dropped because the action queue was full"},
	}
	for _, c := range counters {
		*c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return fmt.Errorf("creating %s counter: %w", c.name, err)
		}
	}
	return nil
}

func (d *Dispatcher) observeQueues(_ context.Context, o metric.Observer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for action, buf := range d.buffers {
		o.ObserveInt64(d.ins.queueSize, int64(len(buf)),
			metric.WithAttributes(attribute.String("action", action)))
	}
	return nil
}
