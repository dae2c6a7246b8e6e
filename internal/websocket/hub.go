// Package websocket 将新的测速结果实时推送给已认证的客户端
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// 如果允许所有来源
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			// 没有 Origin 的请求不是浏览器发起的
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeWelcome     MessageType = "welcome"
	MessageTypeMeasurement MessageType = "measurement"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MeasurementData 推送给客户端的测速结果
type MeasurementData struct {
	ID             int64   `json:"id"`
	DownloadMbps   float64 `json:"download_mbps"`
	UploadMbps     float64 `json:"upload_mbps"`
	Latency        float64 `json:"latency"`
	Jitter         float64 `json:"jitter"`
	PacketLoss     float64 `json:"packet_loss"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

// Hub 管理所有WebSocket连接
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 16),
		done:       make(chan struct{}),
		log:        log,
		upgrader:   upgraderFactory(allowedOrigins),
	}
}

// Run 启动Hub，直到 ctx 取消
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("id", client.ID), zap.String("user_id", client.UserID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Debug("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.broadcastAll(data)
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishMeasurement 广播新的测速结果
//
// 广播队列已满时丢弃，不阻塞测速流程。
func (h *Hub) PublishMeasurement(m *domain.Measurement) {
	payload, err := json.Marshal(MeasurementData{
		ID:             m.ID,
		DownloadMbps:   m.DownloadMbps(),
		UploadMbps:     m.UploadMbps(),
		Latency:        m.Latency,
		Jitter:         m.Jitter,
		PacketLoss:     m.PacketLoss,
		ServerName:     m.ServerName,
		ServerLocation: m.ServerLocation,
		Timestamp:      m.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.log.Error("failed to marshal measurement", zap.Error(err))
		return
	}

	data, err := json.Marshal(&Message{
		Type:      MessageTypeMeasurement,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Warn("broadcast queue full, dropping measurement", zap.Int64("id", m.ID))
	}
}

// broadcastAll 向所有客户端广播消息
func (h *Hub) broadcastAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
}

// ServeWS 升级连接并注册客户端，调用方负责认证
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection",
			zap.Error(err),
			zap.String("origin", r.Header.Get("Origin")),
		)
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
	}

	if welcome, err := json.Marshal(&Message{Type: MessageTypeWelcome, Timestamp: time.Now().UTC()}); err == nil {
		client.send <- welcome
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump 只处理控制帧，客户端发来的数据被忽略
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket closed", zap.String("clientID", c.ID), zap.Error(err))
			}
			return
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
