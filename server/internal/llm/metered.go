package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"epic-poem/server/internal/logging"
	"epic-poem/server/internal/metrics"
)

// StreamMetrics 一次流式生成的性能数据
type StreamMetrics struct {
	TTFT            time.Duration
	Total           time.Duration
	TokenCount      int
	TokensPerSecond float64
}

func (m StreamMetrics) String() string {
	return fmt.Sprintf("TTFT: %dms | Total: %dms | %d tokens | %.1f tok/s",
		m.TTFT.Milliseconds(), m.Total.Milliseconds(), m.TokenCount, m.TokensPerSecond)
}

// approxTokens 按空白切分的粗略 token 数
func approxTokens(chunk string) int {
	return len(strings.Fields(chunk))
}

func computeMetrics(start, first, end time.Time, tokens int) StreamMetrics {
	m := StreamMetrics{TokenCount: tokens}
	if !first.IsZero() {
		m.TTFT = first.Sub(start)
	}
	m.Total = end.Sub(start)
	if m.Total > 0 {
		tps := float64(tokens) / m.Total.Seconds()
		m.TokensPerSecond = math.Round(tps*10) / 10
	}
	return m
}

// Metered 给生成器包上指标与 trace
type Metered struct {
	provider string
	inner    Generator
	metrics  *metrics.PoemMetrics
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time

	// OnMetrics 每次流结束后回调，可为空
	OnMetrics func(StreamMetrics)
}

// NewMetered 包装生成器
func NewMetered(provider string, inner Generator, m *metrics.PoemMetrics, logger *zap.Logger) *Metered {
	return &Metered{
		provider: provider,
		inner:    inner,
		metrics:  m,
		tracer:   otel.Tracer("epic-poem/llm"),
		logger:   logging.OrNop(logger).Named("llm"),
		now:      time.Now,
	}
}

func (g *Metered) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := g.tracer.Start(ctx, "llm.stream", trace.WithAttributes(
			attribute.String("llm.provider", g.provider),
			attribute.Int("llm.prompt_chars", len(prompt)),
		))
		defer span.End()

		start := g.now()
		var first time.Time
		tokens := 0
		var streamErr error

		for chunk, err := range g.inner.Stream(ctx, prompt) {
			if err != nil {
				streamErr = err
				yield("", err)
				break
			}
			if first.IsZero() {
				first = g.now()
			}
			tokens += approxTokens(chunk)
			if !yield(chunk, nil) {
				break
			}
		}

		sm := computeMetrics(start, first, g.now(), tokens)
		span.SetAttributes(
			attribute.Int64("llm.ttft_ms", sm.TTFT.Milliseconds()),
			attribute.Int("llm.tokens", sm.TokenCount),
		)
		g.metrics.RecordStream(ctx, g.provider, sm.TTFT, sm.Total, sm.TokensPerSecond)

		if streamErr != nil {
			span.RecordError(streamErr)
			span.SetStatus(codes.Error, streamErr.Error())
			errType := "stream"
			if errors.Is(streamErr, ErrUnauthorized) {
				errType = "unauthorized"
			} else if errors.Is(streamErr, context.Canceled) {
				errType = "canceled"
			}
			g.logger.Warn("[LLM] ❌ stream failed",
				zap.String("provider", g.provider),
				zap.String("error_type", errType),
				zap.Error(streamErr))
		} else {
			g.logger.Info("[LLM] 📈 "+sm.String(), zap.String("provider", g.provider))
		}

		if g.OnMetrics != nil {
			g.OnMetrics(sm)
		}
	}
}
