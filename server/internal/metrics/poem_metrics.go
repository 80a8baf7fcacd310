package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var meter = otel.Meter("epic-poem")

// PoemMetrics 收集生成与朗读相关的指标
type PoemMetrics struct {
	generationsStarted   metric.Int64Counter
	generationsCompleted metric.Int64Counter
	generationsFailed    metric.Int64Counter
	generationsDiscarded metric.Int64Counter
	firstTokenLatency    metric.Float64Histogram
	generationDuration   metric.Float64Histogram
	tokensPerSecond      metric.Float64Histogram
	poemsArchived        metric.Int64Counter
	narrationFallbacks   metric.Int64Counter
	narrationFailures    metric.Int64Counter
	captureResults       metric.Int64Counter
}

// NewPoemMetrics creates a new metrics collector
func NewPoemMetrics() (*PoemMetrics, error) {
	m := &PoemMetrics{}
	var err error

	if m.generationsStarted, err = meter.Int64Counter(
		"epic_poem.generations.started",
		metric.WithDescription("Couplet generations started"),
		metric.WithUnit("{generation}"),
	); err != nil {
		return nil, err
	}
	if m.generationsCompleted, err = meter.Int64Counter(
		"epic_poem.generations.completed",
		metric.WithDescription("Couplet generations that reached the end of the stream"),
		metric.WithUnit("{generation}"),
	); err != nil {
		return nil, err
	}
	if m.generationsFailed, err = meter.Int64Counter(
		"epic_poem.generations.failed",
		metric.WithDescription("Couplet generations that ended with a generator error"),
		metric.WithUnit("{generation}"),
	); err != nil {
		return nil, err
	}
	if m.generationsDiscarded, err = meter.Int64Counter(
		"epic_poem.generations.discarded",
		metric.WithDescription("Generations superseded by reroll or new poem"),
		metric.WithUnit("{generation}"),
	); err != nil {
		return nil, err
	}
	if m.firstTokenLatency, err = meter.Float64Histogram(
		"epic_poem.generation.ttft",
		metric.WithDescription("Time to first streamed fragment"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.generationDuration, err = meter.Float64Histogram(
		"epic_poem.generation.duration",
		metric.WithDescription("Total stream duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.tokensPerSecond, err = meter.Float64Histogram(
		"epic_poem.generation.tokens_per_second",
		metric.WithDescription("Approximate whitespace tokens per second"),
		metric.WithUnit("{token}/s"),
	); err != nil {
		return nil, err
	}
	if m.poemsArchived, err = meter.Int64Counter(
		"epic_poem.poems.archived",
		metric.WithDescription("Completed poems appended to the archive"),
		metric.WithUnit("{poem}"),
	); err != nil {
		return nil, err
	}
	if m.narrationFallbacks, err = meter.Int64Counter(
		"epic_poem.narration.fallbacks",
		metric.WithDescription("Lines narrated by the local synthesizer after a remote failure"),
		metric.WithUnit("{line}"),
	); err != nil {
		return nil, err
	}
	if m.narrationFailures, err = meter.Int64Counter(
		"epic_poem.narration.failures",
		metric.WithDescription("Pipelines aborted because both synthesizers failed"),
		metric.WithUnit("{pipeline}"),
	); err != nil {
		return nil, err
	}
	if m.captureResults, err = meter.Int64Counter(
		"epic_poem.capture.results",
		metric.WithDescription("Listen phases by outcome"),
		metric.WithUnit("{capture}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// MustPoemMetrics 同 NewPoemMetrics，失败时 panic；全局 meter 未配置时返回 noop 实现，不会失败。
func MustPoemMetrics() *PoemMetrics {
	m, err := NewPoemMetrics()
	if err != nil {
		panic(fmt.Sprintf("init poem metrics: %v", err))
	}
	return m
}

func providerAttr(provider string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("provider", provider))
}

// RecordGenerationStarted 记录一次生成开始
func (m *PoemMetrics) RecordGenerationStarted(ctx context.Context, provider string, stanza int) {
	if m == nil {
		return
	}
	m.generationsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Int("stanza", stanza),
	))
}

// RecordGenerationCompleted 记录一次成功的生成
func (m *PoemMetrics) RecordGenerationCompleted(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.generationsCompleted.Add(ctx, 1, providerAttr(provider))
}

// RecordGenerationFailed 记录一次失败的生成
func (m *PoemMetrics) RecordGenerationFailed(ctx context.Context, provider, errorType string) {
	if m == nil {
		return
	}
	m.generationsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("error.type", errorType),
	))
}

// RecordGenerationDiscarded 记录被新 epoch 作废的生成
func (m *PoemMetrics) RecordGenerationDiscarded(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.generationsDiscarded.Add(ctx, 1, providerAttr(provider))
}

// RecordStream 记录一次流的时延与速率
func (m *PoemMetrics) RecordStream(ctx context.Context, provider string, ttft, total time.Duration, tokensPerSecond float64) {
	if m == nil {
		return
	}
	attrs := providerAttr(provider)
	if ttft > 0 {
		m.firstTokenLatency.Record(ctx, float64(ttft.Milliseconds()), attrs)
	}
	m.generationDuration.Record(ctx, float64(total.Milliseconds()), attrs)
	if tokensPerSecond > 0 {
		m.tokensPerSecond.Record(ctx, tokensPerSecond, attrs)
	}
}

// RecordPoemArchived 记录一首完成的诗
func (m *PoemMetrics) RecordPoemArchived(ctx context.Context) {
	if m == nil {
		return
	}
	m.poemsArchived.Add(ctx, 1)
}

// RecordNarrationFallback 记录一次本地降级朗读
func (m *PoemMetrics) RecordNarrationFallback(ctx context.Context, line int) {
	if m == nil {
		return
	}
	m.narrationFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.Int("line", line)))
}

// RecordNarrationFailed 记录远端与本地都失败的管线
func (m *PoemMetrics) RecordNarrationFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.narrationFailures.Add(ctx, 1)
}

// RecordCapture 记录一次听写结果：transcribed | empty | denied | failed
func (m *PoemMetrics) RecordCapture(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.captureResults.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// InitTracer 安装 stdout trace exporter，返回的 shutdown 用于退出时 flush。
func InitTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
