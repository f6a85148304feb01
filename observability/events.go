package observability

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"allocvault/core/events"
	nativecommon "allocvault/native/common"
	"allocvault/observability/logging"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

func eventCounters() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "allocvault",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of emitted ledger and router events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Emitter publishes engine events as structured log lines and bumps the
// per-type event counter. It satisfies the emitter surface every engine
// exposes through SetEmitter.
type Emitter struct {
	logger *slog.Logger
}

// NewEmitter wraps the given logger. A nil logger falls back to the process
// default.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

// Emit logs the event with its attributes flattened into log fields.
func (e *Emitter) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	eventCounters().emitted.WithLabelValues(evt.EventType()).Inc()
	attrs := evt.Attributes()
	fields := make([]any, 0, 2+2*len(attrs))
	fields = append(fields, slog.String("event", evt.EventType()))
	for key, value := range attrs {
		fields = append(fields, logging.MaskField(key, value))
	}
	e.logger.Info("event emitted", fields...)
}

// errorKind maps an engine error onto its taxonomy bucket for metric labels.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, nativecommon.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, nativecommon.ErrInvalidData):
		return "invalid_data"
	case errors.Is(err, nativecommon.ErrAmountTooLow):
		return "amount_too_low"
	case errors.Is(err, nativecommon.ErrMissingOracle):
		return "missing_oracle"
	case errors.Is(err, nativecommon.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	default:
		return "internal"
	}
}
