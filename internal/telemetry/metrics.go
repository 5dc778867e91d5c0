// Package telemetry holds the OTel instruments recorded by the auth service and the provisioning worker.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result attribute values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
)

// Metrics records counters for auth and saga outcomes. A nil *Metrics is a valid no-op.
type Metrics struct {
	logins        metric.Int64Counter
	refreshes     metric.Int64Counter
	registrations metric.Int64Counter
	evictions     metric.Int64Counter
	revocations   metric.Int64Counter
	published     metric.Int64Counter
	consumed      metric.Int64Counter
}

// NewMetrics creates the instruments on mp's "clinix" meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("clinix")
	m := &Metrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.logins, "auth.logins", "Login attempts by result."},
		{&m.refreshes, "auth.refreshes", "Refresh attempts by result."},
		{&m.registrations, "auth.registrations", "Registrations by result."},
		{&m.evictions, "session.evictions", "Sessions evicted by the per-user device cap."},
		{&m.revocations, "session.revocations", "Account-wide session revocations after refresh token reuse."},
		{&m.published, "events.published", "User events published by result."},
		{&m.consumed, "events.consumed", "User events consumed by result."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func add(ctx context.Context, c metric.Int64Counter, result string, extra ...attribute.KeyValue) {
	attrs := append([]attribute.KeyValue{attribute.String("result", result)}, extra...)
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) Login(ctx context.Context, result string) {
	if m != nil {
		add(ctx, m.logins, result)
	}
}

func (m *Metrics) Refresh(ctx context.Context, result string) {
	if m != nil {
		add(ctx, m.refreshes, result)
	}
}

func (m *Metrics) Registration(ctx context.Context, result string) {
	if m != nil {
		add(ctx, m.registrations, result)
	}
}

func (m *Metrics) Eviction(ctx context.Context) {
	if m != nil {
		add(ctx, m.evictions, ResultSuccess)
	}
}

func (m *Metrics) Revocation(ctx context.Context) {
	if m != nil {
		add(ctx, m.revocations, ResultSuccess)
	}
}

func (m *Metrics) Published(ctx context.Context, routingKey, result string) {
	if m != nil {
		add(ctx, m.published, result, attribute.String("routing_key", routingKey))
	}
}

func (m *Metrics) Consumed(ctx context.Context, routingKey, result string) {
	if m != nil {
		add(ctx, m.consumed, result, attribute.String("routing_key", routingKey))
	}
}
