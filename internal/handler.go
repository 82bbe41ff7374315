package internal

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Handler HTTP 請求處理器
type Handler struct {
	manager    *Manager
	hub        *WebSocketHub
	adminToken string
	logger     *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, hub *WebSocketHub, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{
		manager:    manager,
		hub:        hub,
		adminToken: cfg.AdminToken,
		logger:     logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}
	admin := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.requireAdmin(handler))
	}

	// 房間 API
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}", wrap(h.getRoomDetail))

	// 管理 API
	mux.HandleFunc("POST /api/v1/rooms/{room_code}/end", admin(h.forceEnd))
	mux.HandleFunc("POST /api/v1/rooms/{room_code}/kick", admin(h.kickPlayer))

	// WebSocket 不經過日誌中間件（responseWriter 不支援 Hijack）
	if h.hub != nil {
		mux.HandleFunc("GET /ws/rooms/{room_code}", h.hub.ServeWS)
	}

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type kickRequest struct {
	PlayerID string `json:"player_id"`
}

// createRoom 創建房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	room := h.manager.CreateRoom()
	h.jsonResponse(w, map[string]any{
		"room_code": room.Code,
	}, http.StatusCreated)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.manager.ListRooms(r.Context())
	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	room, ok := h.lookupRoom(w, r)
	if !ok {
		return
	}

	info, err := room.Info(r.Context())
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.jsonResponse(w, info, http.StatusOK)
}

// forceEnd 強制結束回合
func (h *Handler) forceEnd(w http.ResponseWriter, r *http.Request) {
	room, ok := h.lookupRoom(w, r)
	if !ok {
		return
	}

	ended, err := room.ForceEndRound(r.Context())
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ended {
		h.errorResponse(w, "回合未進行中", http.StatusConflict)
		return
	}

	h.logger.Info("管理員強制結束回合", "room", room.Code)
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// kickPlayer 踢出玩家
func (h *Handler) kickPlayer(w http.ResponseWriter, r *http.Request) {
	room, ok := h.lookupRoom(w, r)
	if !ok {
		return
	}

	var req kickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		h.errorResponse(w, "玩家ID為必填", http.StatusBadRequest)
		return
	}

	kicked, err := room.KickPlayer(r.Context(), req.PlayerID)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !kicked {
		h.errorResponse(w, "玩家不在房間內", http.StatusNotFound)
		return
	}

	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

func (h *Handler) lookupRoom(w http.ResponseWriter, r *http.Request) (*Room, bool) {
	room, err := h.manager.GetRoom(r.PathValue("room_code"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		h.errorResponse(w, err.Error(), status)
		return nil, false
	}
	return room, true
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats(r.Context())
	if h.hub != nil {
		stats["ws_connections"] = h.hub.GetConnectionCount()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// requireAdmin 檢查 Bearer token；未設定 token 時管理 API 停用
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			h.errorResponse(w, "管理 API 未啟用", http.StatusForbidden)
			return
		}
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			h.errorResponse(w, "未授權", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
