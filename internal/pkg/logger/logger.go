// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// base 是全局的根 logger，Init 之前使用默认的 console 输出
var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Init 根据服务名、日志级别和输出格式初始化根 logger。
// format 为 "console" 时输出人类可读格式，其余情况输出 JSON。
func Init(serviceName, level, format string) {
	var out io.Writer = os.Stderr
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	base = zerolog.New(out).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// L 返回根 logger，用于没有请求上下文的启动和关停流程
func L() *zerolog.Logger {
	return &base
}

// Ctx 返回一个与当前上下文关联的 logger。
// 如果上下文中带有有效的 Span，会自动附加 trace_id 和 span_id，方便在 Jaeger 中关联日志。
func Ctx(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		return &base
	}
	l := stored(ctx)

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	withTrace := l.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
	return &withTrace
}

// stored 上下文里挂载的 logger，不带追踪字段；没有挂载时回退到根 logger
func stored(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &base
	}
	return l
}

type orderKey struct{}

// WithOrder 把订单ID挂到上下文的 logger 上，后续 Ctx(ctx) 打出的日志都会带上 order_id。
// 追踪字段在 Ctx 中按当前 Span 现算，不会固化进挂载的 logger。
func WithOrder(ctx context.Context, orderID string) context.Context {
	if id, ok := ctx.Value(orderKey{}).(string); ok && id == orderID {
		return ctx
	}
	l := stored(ctx).With().Str("order_id", orderID).Logger()
	return context.WithValue(l.WithContext(ctx), orderKey{}, orderID)
}
