package interfaces

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain/port"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscribable 由 application.Fanout 实现
type Subscribable interface {
	Subscribe(sub port.Subscriber) func()
}

// Hub 维护所有活跃的 WebSocket 连接。每个连接都是 Fanout 的一个订阅者。
type Hub struct {
	fanout   Subscribable
	upgrader websocket.Upgrader

	lock    sync.Mutex
	clients map[*wsClient]func()
}

func NewHub(fanout Subscribable) *Hub {
	return &Hub{
		fanout: fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
				return true
			},
		},
		clients: make(map[*wsClient]func()),
	}
}

// ServeHTTP 升级为 WebSocket。带 orderId 参数时只推送该订单的变化。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:      "ws-" + uuid.NewString()[:8],
		conn:    conn,
		orderID: r.URL.Query().Get("orderId"),
		done:    make(chan struct{}),
	}
	h.register(c)
	go c.pingLoop()
	go func() {
		c.readPump()
		h.unregister(c)
	}()
}

func (h *Hub) register(c *wsClient) {
	unsubscribe := h.fanout.Subscribe(c)
	h.lock.Lock()
	h.clients[c] = unsubscribe
	h.lock.Unlock()
	logger.L().Debug().Str("client", c.id).Str("order_id", c.orderID).Msg("websocket client registered")
}

func (h *Hub) unregister(c *wsClient) {
	h.lock.Lock()
	unsubscribe, ok := h.clients[c]
	delete(h.clients, c)
	h.lock.Unlock()
	if !ok {
		return
	}
	unsubscribe()
	c.close()
	logger.L().Debug().Str("client", c.id).Msg("websocket client unregistered")
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.lock.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.lock.Unlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

// wsClient 是一个 WebSocket 连接，实现 port.Subscriber
type wsClient struct {
	id      string
	conn    *websocket.Conn
	orderID string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) Name() string { return c.id }

func (c *wsClient) Notify(ctx context.Context, n port.Notification) error {
	if c.orderID != "" && n.OrderID != c.orderID {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(n)
}

// readPump 只用来处理 pong 和发现断线，客户端发来的内容直接丢弃
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
