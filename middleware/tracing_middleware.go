package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mini-ipc/channel"
	"mini-ipc/message"
)

const instrumentationName = "mini-ipc/middleware"

// Tracing starts a server span per call and records a call counter and a
// duration histogram. Nil providers fall back to the otel globals.
func Tracing(tp trace.TracerProvider, mp metric.MeterProvider) (Middleware, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tracer := tp.Tracer(instrumentationName)
	meter := mp.Meter(instrumentationName)

	calls, err := meter.Int64Counter("ipc.server.calls",
		metric.WithDescription("Calls dispatched to channel handlers"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("ipc.server.duration",
		metric.WithDescription("Call handling time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *channel.Request) (any, error) {
			ctx, span := tracer.Start(ctx, req.Channel+"/"+req.Command,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("ipc.channel", req.Channel),
					attribute.String("ipc.command", req.Command),
					attribute.String("ipc.client_id", req.Client.ClientID),
					attribute.Int64("ipc.request_id", int64(req.RequestID)),
				))
			defer span.End()

			start := time.Now()
			result, err := next(ctx, req)
			elapsed := float64(time.Since(start).Microseconds()) / 1000

			status := "ok"
			if err != nil {
				status = message.ToRemote(err).Name
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			attrs := metric.WithAttributes(
				attribute.String("ipc.channel", req.Channel),
				attribute.String("ipc.status", status),
			)
			calls.Add(ctx, 1, attrs)
			duration.Record(ctx, elapsed, attrs)
			return result, err
		}
	}, nil
}
