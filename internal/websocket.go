package internal

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   房間 actor 不能被網路 I/O 阻塞，但每個連接收到的訊息順序必須與房間送出的順序一致。
//
// 設計方案：
//   ✅ 每個連接一個緩衝 channel + 一個 writePump，保持單連接內的順序
//   ✅ Send 在房間 goroutine 中完成編碼後非阻塞地放入 channel
//   ✅ channel 滿了回傳錯誤，房間關閉該連接（客戶端重連後重新同步）
//   ✅ Ping/Pong 心跳檢測死連接（54s/60s）

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

// WebSocketHub WebSocket 連接中心
type WebSocketHub struct {
	manager     *Manager
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	sendBuffer  int
	connections map[string]map[string]*Connection // roomCode -> connID -> Connection
	mu          sync.RWMutex
}

// Connection WebSocket 連接
type Connection struct {
	id     string
	room   *Room
	codec  Codec
	conn   *websocket.Conn
	send   chan []byte
	hub    *WebSocketHub
	mu     sync.Mutex
	closed bool
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(manager *Manager, cfg Config, logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		manager:     manager,
		logger:      logger,
		sendBuffer:  cfg.SendBufferSize,
		connections: make(map[string]map[string]*Connection),
	}
	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return hub
}

// originChecker 未設定白名單時允許所有來源
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// ServeWS 處理 WebSocket 連接
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	codec, ok := CodecByName(r.URL.Query().Get("codec"))
	if !ok {
		http.Error(w, "不支援的編碼", http.StatusBadRequest)
		return
	}

	room, err := hub.manager.GetOrCreateRoom(r.PathValue("room_code"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		id:    uuid.NewString(),
		room:  room,
		codec: codec,
		conn:  conn,
		send:  make(chan []byte, hub.sendBuffer),
		hub:   hub,
	}

	hub.register(c)
	go c.writePump()

	_ = c.Send(Envelope{Type: EventWelcome, Payload: WelcomePayload{ConnID: c.id, Codec: codec.Name()}})
	if !room.Submit(Attach{Conn: c}) {
		hub.unregister(c)
		_ = c.Close()
		return
	}

	go c.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"room", room.Code,
		"conn_id", c.id,
		"codec", codec.Name())
}

// register 註冊連接
func (hub *WebSocketHub) register(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.connections[c.room.Code] == nil {
		hub.connections[c.room.Code] = make(map[string]*Connection)
	}
	hub.connections[c.room.Code][c.id] = c
}

// unregister 取消註冊連接
func (hub *WebSocketHub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if roomConns, exists := hub.connections[c.room.Code]; exists {
		delete(roomConns, c.id)
		if len(roomConns) == 0 {
			delete(hub.connections, c.room.Code)
		}
	}
}

// Stop 關閉所有連接
func (hub *WebSocketHub) Stop() {
	hub.mu.Lock()
	conns := make([]*Connection, 0)
	for _, roomConns := range hub.connections {
		for _, c := range roomConns {
			conns = append(conns, c)
		}
	}
	hub.connections = make(map[string]map[string]*Connection)
	hub.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	hub.logger.Info("WebSocket Hub 已停止")
}

// GetConnectionCount 獲取各房間連接數
func (hub *WebSocketHub) GetConnectionCount() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	result := make(map[string]int)
	for code, conns := range hub.connections {
		result[code] = len(conns)
	}
	return result
}

// ID 連接 ID，同時也是玩家 ID
func (c *Connection) ID() string {
	return c.id
}

// Send 編碼後放入發送佇列，不阻塞
func (c *Connection) Send(env Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 關閉發送佇列，writePump 送出關閉幀後斷開
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// readPump 讀取客戶端消息，結束時通知房間
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.room.Submit(Detach{ConnID: c.id})
		_ = c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"room", c.room.Code,
					"conn_id", c.id)
			}
			return
		}

		cmd, err := ParseCommand(c.codec, message)
		if err != nil {
			c.hub.logger.Debug("解析客戶端消息失敗",
				"error", err,
				"room", c.room.Code,
				"conn_id", c.id)
			if errors.Is(c.Send(Envelope{Type: EventError, Payload: ErrorPayload{Message: err.Error()}}), ErrConnClosed) {
				return
			}
			continue
		}

		if !c.room.Submit(Inbound{ConnID: c.id, Command: cmd}) {
			return
		}
	}
}

// writePump 寫入消息到客戶端
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 房間或 Hub 關閉了通道，優雅關閉連接
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(c.codec.FrameType(), message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
