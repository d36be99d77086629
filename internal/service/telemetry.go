package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type TelemetryHooks interface {
	OnHTTPRequestStart(ctx context.Context, route string, requestID string)
	OnHTTPRequestDone(
		ctx context.Context,
		route string,
		requestID string,
		statusCode int,
		duration time.Duration,
		err error,
	)
	OnBatch(
		ctx context.Context,
		batchSize int,
		avgQueueWait time.Duration,
		inferenceTime time.Duration,
		err error,
	)
}

type NopTelemetryHooks struct{}

func (NopTelemetryHooks) OnHTTPRequestStart(
	_ context.Context,
	_ string,
	_ string,
) {
}

func (NopTelemetryHooks) OnHTTPRequestDone(
	_ context.Context,
	_ string,
	_ string,
	_ int,
	_ time.Duration,
	_ error,
) {
}

func (NopTelemetryHooks) OnBatch(
	_ context.Context,
	_ int,
	_ time.Duration,
	_ time.Duration,
	_ error,
) {
}

const (
	traceScope = "github.com/apex-x/embedq/internal/service"

	traceSpanHTTPRequest = "embedq.http.request"
	traceSpanBatch       = "embedq.batch"

	traceAttrRoute      = "embedq.route"
	traceAttrRequestID  = "embedq.request_id"
	traceAttrStatus     = "embedq.status_code"
	traceAttrBatchSize  = "embedq.batch_size"
	traceAttrQueueWait  = "embedq.queue_wait_ms"
	traceAttrInferMilli = "embedq.inference_ms"
)

// OTelHooks reports HTTP requests and batches as spans, plus batch size and
// request counts on the otel metric API.
type OTelHooks struct {
	tracer       trace.Tracer
	batchSize    metric.Int64Histogram
	batches      metric.Int64Counter
	httpRequests metric.Int64Counter

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewOTelHooks falls back to the global providers when either is nil.
func NewOTelHooks(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelHooks, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(traceScope)
	batchSize, err := meter.Int64Histogram(
		"embedq.batch.size",
		metric.WithDescription("Tasks per executed batch."),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch size histogram: %w", err)
	}
	batches, err := meter.Int64Counter(
		"embedq.batches",
		metric.WithDescription("Executed batches by outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch counter: %w", err)
	}
	httpRequests, err := meter.Int64Counter(
		"embedq.http.requests",
		metric.WithDescription("HTTP requests by route and status."),
	)
	if err != nil {
		return nil, fmt.Errorf("create http request counter: %w", err)
	}
	return &OTelHooks{
		tracer:       tp.Tracer(traceScope),
		batchSize:    batchSize,
		batches:      batches,
		httpRequests: httpRequests,
		spans:        make(map[string]trace.Span),
	}, nil
}

func (h *OTelHooks) OnHTTPRequestStart(ctx context.Context, route string, requestID string) {
	_, span := h.tracer.Start(ctx, traceSpanHTTPRequest, trace.WithAttributes(
		attribute.String(traceAttrRoute, route),
		attribute.String(traceAttrRequestID, requestID),
	))
	h.mu.Lock()
	h.spans[spanKey(route, requestID)] = span
	h.mu.Unlock()
}

func (h *OTelHooks) OnHTTPRequestDone(
	ctx context.Context,
	route string,
	requestID string,
	statusCode int,
	_ time.Duration,
	err error,
) {
	h.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(traceAttrRoute, route),
		attribute.Int(traceAttrStatus, statusCode),
	))
	key := spanKey(route, requestID)
	h.mu.Lock()
	span, ok := h.spans[key]
	delete(h.spans, key)
	h.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int(traceAttrStatus, statusCode))
	markSpanResult(span, err)
	span.End()
}

func (h *OTelHooks) OnBatch(
	ctx context.Context,
	batchSize int,
	avgQueueWait time.Duration,
	inferenceTime time.Duration,
	err error,
) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.batchSize.Record(ctx, int64(batchSize))
	h.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	end := time.Now()
	_, span := h.tracer.Start(ctx, traceSpanBatch,
		trace.WithTimestamp(end.Add(-inferenceTime)),
		trace.WithAttributes(
			attribute.Int(traceAttrBatchSize, batchSize),
			attribute.Float64(traceAttrQueueWait, durationMillis(avgQueueWait)),
			attribute.Float64(traceAttrInferMilli, durationMillis(inferenceTime)),
		),
	)
	markSpanResult(span, err)
	span.End(trace.WithTimestamp(end))
}

func markSpanResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func spanKey(route string, requestID string) string {
	return route + "|" + requestID
}
