package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentASRJob creates a span for one transcription job.
func InstrumentASRJob(ctx context.Context, backend, model string, samples int) (context.Context, trace.Span) {
	return StartSpan(ctx, "asr.job",
		trace.WithAttributes(
			attribute.String("asr.backend", backend),
			attribute.String("asr.model", model),
			attribute.Int("audio.samples", samples),
		),
	)
}

// InstrumentDeviceSwitch creates a span for a microphone change.
func InstrumentDeviceSwitch(ctx context.Context, from, to, reason string) (context.Context, trace.Span) {
	return StartSpan(ctx, "device.switch",
		trace.WithAttributes(
			attribute.String("device.from", from),
			attribute.String("device.to", to),
			attribute.String("device.reason", reason),
		),
	)
}

// InstrumentRotation creates a span for an archive rotation.
func InstrumentRotation(ctx context.Context, sidecarPath string) (context.Context, trace.Span) {
	return StartSpan(ctx, "archive.rotate",
		trace.WithAttributes(
			attribute.String("archive.sidecar", sidecarPath),
		),
	)
}
