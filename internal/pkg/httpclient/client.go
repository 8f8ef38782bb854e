package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/resilience"
)

// Resolver 把服务名解析成 base URL（例如 http://10.0.0.3:8080）
type Resolver interface {
	Resolve(service string) (string, error)
}

// StaticResolver 固定映射，没有 nacos 时使用
type StaticResolver map[string]string

func (s StaticResolver) Resolve(service string) (string, error) {
	base, ok := s[service]
	if !ok || base == "" {
		return "", fmt.Errorf("no address configured for service %q", service)
	}
	return strings.TrimRight(base, "/"), nil
}

// StatusError 下游返回了非 2xx
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Client 是一个可追踪的 HTTP 客户端，按服务名发现下游地址
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	resolver   Resolver
}

// NewClient 不设置 http.Client 的 Timeout，超时完全由每次请求的 context 控制
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	if tracer == nil {
		tracer = otel.Tracer("httpclient")
	}
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		resolver: resolver,
	}
}

// PostJSON 向 service 的 path 发送 JSON 请求，并把 2xx 响应解码到 out。
// 网络错误和 5xx 是瞬时错误；4xx 被标记为 resilience.Permanent，不会重试。
func (c *Client) PostJSON(ctx context.Context, service, path string, headers map[string]string, body, out interface{}) error {
	ctx, span := c.Tracer.Start(ctx, "call-"+service, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	base, err := c.resolver.Resolve(service)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	target := base + path

	payload, err := json.Marshal(body)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("marshal request for %s: %w", service, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	span.SetAttributes(
		attribute.String("http.url", target),
		attribute.String("http.method", http.MethodPost),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &StatusError{Service: service, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, statusErr.Error())
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resilience.Permanent(statusErr)
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode response from %s: %w", service, err))
	}
	return nil
}
