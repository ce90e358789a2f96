package bridge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics exposes the bridge's observability counters through OpenTelemetry.
// All methods are nil-safe so tests can run without a meter provider.
type Metrics struct {
	chunks       metric.Int64Counter
	samples      metric.Int64Counter
	timeouts     metric.Int64Counter
	reconnects   metric.Int64Counter
	registration metric.Registration
}

func NewMetrics(ring *Ring, bp *Backpressure, demux *Demuxer) (*Metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-bridge/bridge")
	m := &Metrics{}

	var err error
	if m.chunks, err = meter.Int64Counter("bridge.chunks.submitted",
		metric.WithDescription("Chunks submitted to the remote service")); err != nil {
		return nil, err
	}
	if m.samples, err = meter.Int64Counter("bridge.samples.submitted",
		metric.WithDescription("Audio samples submitted to the remote service")); err != nil {
		return nil, err
	}
	if m.timeouts, err = meter.Int64Counter("bridge.results.timeouts",
		metric.WithDescription("Chunks resolved by deadline expiry")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("bridge.session.reconnects",
		metric.WithDescription("Remote session reconnections")); err != nil {
		return nil, err
	}

	outstanding, err := meter.Int64ObservableGauge("bridge.chunks.outstanding",
		metric.WithDescription("Chunks admitted and not yet resolved"))
	if err != nil {
		return nil, err
	}
	overruns, err := meter.Int64ObservableGauge("bridge.ring.overruns",
		metric.WithDescription("Samples lost or refused at the ring buffer"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64ObservableGauge("bridge.results.dropped",
		metric.WithDescription("Late, duplicate or stale results discarded"))
	if err != nil {
		return nil, err
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(outstanding, int64(bp.Outstanding()))
		o.ObserveInt64(overruns, int64(ring.Overruns()))
		o.ObserveInt64(dropped, int64(demux.Dropped()))
		return nil
	}, outstanding, overruns, dropped)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) AddChunk(samples int) {
	if m == nil {
		return
	}
	m.chunks.Add(context.Background(), 1)
	m.samples.Add(context.Background(), int64(samples))
}

func (m *Metrics) AddTimeouts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.timeouts.Add(context.Background(), int64(n))
}

func (m *Metrics) AddReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}

func (m *Metrics) Close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
}
