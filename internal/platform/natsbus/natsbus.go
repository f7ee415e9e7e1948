// Package natsbus carries best-effort cross-process wake notifications when
// a tenant group transitions from idle to ready. It is optional: the
// scheduler's own in-process notify channel covers work enqueued in the same
// process. The scheduler does not poll the store, so without NATS a worker
// process does not learn of groups made ready by another process.
package natsbus

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GroupReadySubject is the subject published to when a tenant group gains
// its first ready task after being empty.
const GroupReadySubject = "episodequeue.group.ready"

var propagator = propagation.TraceContext{}

// PublishGroupReady announces that group has work, propagating the trace
// context so subscribers can correlate the wake with the enqueue span.
func PublishGroupReady(ctx context.Context, nc *nats.Conn, group string) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	hdr.Set("group", group)
	msg := &nats.Msg{Subject: GroupReadySubject, Data: []byte(group), Header: hdr}
	return nc.PublishMsg(msg)
}

// SubscribeGroupReady wraps nc.Subscribe, extracting the publisher's trace
// context into a child span before invoking handler.
func SubscribeGroupReady(nc *nats.Conn, handler func(ctx context.Context, group string)) (*nats.Subscription, error) {
	return nc.Subscribe(GroupReadySubject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("episodequeue-nats")
		ctx, span := tr.Start(ctx, "nats.consume.group_ready", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, string(m.Data))
	})
}

// Connect dials NATS, returning (nil, nil) if url is empty so callers can
// treat a missing NATS deployment as "notifications disabled" rather than
// a startup failure.
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	return nats.Connect(url, nats.Name("episodequeue"), nats.MaxReconnects(-1))
}
