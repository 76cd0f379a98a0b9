package engine

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "voicelink"

type metrics struct {
	eventsEnqueued   *prometheus.CounterVec
	eventsDispatched *prometheus.CounterVec
	queueFull        prometheus.Counter
	queueDepth       prometheus.Gauge
	restarts         prometheus.Counter
	turns            *prometheus.CounterVec
	payloadsReleased prometheus.Counter
}

// newMetrics builds the engine collectors and registers them on registerer.
// With a nil registerer the collectors still count but are not exported.
// Collectors already registered by another engine on the same registerer are
// shared.
func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		eventsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_enqueued_total",
				Help:      "Messages accepted by the event queue",
			},
			[]string{"kind"},
		),
		eventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_dispatched_total",
				Help:      "Messages handled by the dispatcher",
			},
			[]string{"kind"},
		),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_full_total",
			Help:      "Enqueue attempts rejected because the queue was full",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Messages waiting for the dispatcher",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "asr_restarts_total",
			Help:      "Automatic session restarts after a failure",
		}),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "turns_total",
				Help:      "Finished voice turns",
			},
			[]string{"outcome"},
		),
		payloadsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payloads_released_total",
			Help:      "Event payload buffers returned to the pool",
		}),
	}

	if registerer == nil {
		return m, nil
	}

	var err error
	if m.eventsEnqueued, err = register(registerer, m.eventsEnqueued); err != nil {
		return nil, err
	}
	if m.eventsDispatched, err = register(registerer, m.eventsDispatched); err != nil {
		return nil, err
	}
	if m.queueFull, err = register(registerer, m.queueFull); err != nil {
		return nil, err
	}
	if m.queueDepth, err = register(registerer, m.queueDepth); err != nil {
		return nil, err
	}
	if m.restarts, err = register(registerer, m.restarts); err != nil {
		return nil, err
	}
	if m.turns, err = register(registerer, m.turns); err != nil {
		return nil, err
	}
	if m.payloadsReleased, err = register(registerer, m.payloadsReleased); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, error) {
	err := registerer.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return collector, fmt.Errorf("registering collector: %w", err)
}
