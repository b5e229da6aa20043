package tracing

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestKafkaHeaders_RoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	msg := &sarama.ProducerMessage{Topic: "bet-state-changed"}
	ctx, span := StartProduceSpan(context.Background(), msg)
	span.End()

	traceID := TraceID(ctx)
	assert.NotEmpty(t, traceID)
	assert.NotEmpty(t, msg.Headers)

	headers := make([]*sarama.RecordHeader, len(msg.Headers))
	for i := range msg.Headers {
		headers[i] = &msg.Headers[i]
	}
	consumed := &sarama.ConsumerMessage{Topic: "bet-state-changed", Headers: headers}

	cctx, cspan := StartConsumeSpan(context.Background(), consumed)
	defer cspan.End()
	assert.Equal(t, traceID, TraceID(cctx))
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(&Config{Enabled: false})
	assert.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
