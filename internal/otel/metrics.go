package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the devsync instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesReceived    metric.Int64Counter
	DispatchErrors    metric.Int64Counter
	EarlyEvents       metric.Int64Counter
	Reconnects        metric.Int64Counter
	Connected         metric.Int64UpDownCounter
	HTTPDuration      metric.Float64Histogram
	AssignRejections  metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	StatePatches      metric.Int64Counter
	StatePatchFailure metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.FramesReceived, err = meter.Int64Counter("devsync.ws.frames",
		metric.WithDescription("Inbound WebSocket frames by message type"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("devsync.dispatch.errors",
		metric.WithDescription("Inbound frames dropped as malformed or failing to apply"),
	)
	if err != nil {
		return nil, err
	}

	m.EarlyEvents, err = meter.Int64Counter("devsync.dispatch.early_events",
		metric.WithDescription("Task events buffered because the task was not registered yet"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("devsync.ws.reconnects",
		metric.WithDescription("Scheduled reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.Connected, err = meter.Int64UpDownCounter("devsync.ws.connected",
		metric.WithDescription("1 while the WebSocket is open"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram("devsync.http.duration",
		metric.WithDescription("Backend HTTP call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AssignRejections, err = meter.Int64Counter("devsync.assign.rejections",
		metric.WithDescription("Assign calls rejected locally before any network I/O"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("devsync.task.duration",
		metric.WithDescription("Time from assign to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StatePatches, err = meter.Int64Counter("devsync.state.patches",
		metric.WithDescription("JSON patches applied to the state store"),
	)
	if err != nil {
		return nil, err
	}

	m.StatePatchFailure, err = meter.Int64Counter("devsync.state.patch_failures",
		metric.WithDescription("JSON patches rejected by the state store"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Frame counts one inbound frame of the given type.
func (m *Metrics) Frame(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(AttrMessageType.String(msgType)))
}

// DispatchError counts one dropped frame.
func (m *Metrics) DispatchError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DispatchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// EarlyEvent counts one buffered task event.
func (m *Metrics) EarlyEvent(ctx context.Context) {
	if m == nil {
		return
	}
	m.EarlyEvents.Add(ctx, 1)
}

// Reconnect counts one scheduled reconnect attempt.
func (m *Metrics) Reconnect(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// SetConnected moves the connected gauge up or down.
func (m *Metrics) SetConnected(ctx context.Context, up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Add(ctx, 1)
		return
	}
	m.Connected.Add(ctx, -1)
}

// HTTPCall records the duration of one backend call.
func (m *Metrics) HTTPCall(ctx context.Context, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.HTTPDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		AttrOperation.String(op),
		attribute.Bool("error", err != nil),
	))
}

// AssignRejected counts one locally rejected assign.
func (m *Metrics) AssignRejected(ctx context.Context, action, reason string) {
	if m == nil {
		return
	}
	m.AssignRejections.Add(ctx, 1, metric.WithAttributes(
		AttrAction.String(action),
		attribute.String("reason", reason),
	))
}

// TaskFinished records the lifetime of a task that reached a terminal status.
func (m *Metrics) TaskFinished(ctx context.Context, action, status string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, lifetime.Seconds(), metric.WithAttributes(
		AttrAction.String(action),
		AttrTaskStatus.String(status),
	))
}

// StatePatch counts one patch attempt against the state store.
func (m *Metrics) StatePatch(ctx context.Context, key string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StatePatchFailure.Add(ctx, 1, metric.WithAttributes(AttrStateKey.String(key)))
		return
	}
	m.StatePatches.Add(ctx, 1, metric.WithAttributes(AttrStateKey.String(key)))
}
