package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
)

const serviceName = "order-saga"

// OrderUseCase HTTP 和 Kafka 入口依赖的应用服务能力
type OrderUseCase interface {
	CreateOrder(ctx context.Context, req *application.CreateOrderRequest) (*application.CreateOrderResponse, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
}

// OrderHandler 订单服务的 HTTP 处理器
type OrderHandler struct {
	service  OrderUseCase
	gatherer prometheus.Gatherer
	tracer   trace.Tracer
}

// NewOrderHandler gatherer 为 nil 时使用默认注册表
func NewOrderHandler(service OrderUseCase, gatherer prometheus.Gatherer) *OrderHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &OrderHandler{service: service, gatherer: gatherer, tracer: otel.Tracer(serviceName)}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /orders", h.createOrder)
	mux.HandleFunc("GET /orders/{id}", h.getOrder)
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "http.CreateOrder", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req application.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	resp, err := h.service.CreateOrder(ctx, &req)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrInvalidOrder) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Ctx(ctx).Error().Err(err).Msg("创建订单失败")
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}
	span.SetAttributes(attribute.String("order.id", resp.OrderID))
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "http.GetOrder", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	o, err := h.service.GetOrder(ctx, r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case err != nil:
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Msg("查询订单失败")
		writeError(w, http.StatusInternalServerError, "failed to load order")
	default:
		writeJSON(w, http.StatusOK, application.ToOrderView(o))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
