package internal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = errors.New("房間不存在")
	// ErrInvalidRoomCode 房間碼不合法
	ErrInvalidRoomCode = errors.New("房間碼不合法")
)

const (
	roomCodeLength = 6
	roomCodeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Manager 房間管理器
//
// 只管理房間目錄；房間內的狀態由各自的 actor 持有，Manager 不碰。
type Manager struct {
	rooms  map[string]*Room // code -> Room
	mu     sync.RWMutex
	cfg    Config
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 創建房間管理器
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{
		rooms:  make(map[string]*Room),
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	// 啟動清理 goroutine
	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// CreateRoom 以隨機房間碼創建房間
func (m *Manager) CreateRoom() *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		code := generateRoomCode()
		if _, exists := m.rooms[code]; exists {
			continue
		}
		return m.startRoom(code)
	}
}

// GetRoom 獲取房間
func (m *Manager) GetRoom(code string) (*Room, error) {
	code = NormalizeRoomCode(code)

	m.mu.RLock()
	room, exists := m.rooms[code]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	return room, nil
}

// GetOrCreateRoom 獲取房間，不存在時以該房間碼創建
func (m *Manager) GetOrCreateRoom(code string) (*Room, error) {
	code = NormalizeRoomCode(code)
	if !ValidRoomCode(code) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoomCode, code)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if room, exists := m.rooms[code]; exists {
		// 持鎖更新活動時間，清理不會在連接附加前停掉這個房間
		room.touch()
		return room, nil
	}
	return m.startRoom(code), nil
}

// startRoom 需持有寫鎖
func (m *Manager) startRoom(code string) *Room {
	room := NewRoom(code, m.cfg.RoomOptions(), m.logger)
	m.rooms[code] = room
	go room.Run()

	m.logger.Info("房間已創建", "room", code)
	return room
}

// ListRooms 列出房間（依房間碼排序）
func (m *Manager) ListRooms(ctx context.Context) []RoomInfo {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	result := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		info, err := room.Info(ctx)
		if err != nil {
			continue
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result
}

// cleanupLoop 清理過期房間
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 執行清理（公開方法供測試使用）
func (m *Manager) Cleanup() {
	m.cleanup()
}

// cleanup 移除沒有連接且閒置超過 EmptyRoomTTL 的房間
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for code, room := range m.rooms {
		if !room.IsExpired(m.cfg.EmptyRoomTTL) {
			continue
		}
		room.Stop()
		delete(m.rooms, code)
		m.logger.Info("房間已過期清理", "room", code)
	}
}

// Stop 停止管理器與所有房間
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	for _, room := range m.rooms {
		room.Stop()
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	m.logger.Info("房間管理器已停止")
}

// Stats 獲取統計資訊
func (m *Manager) Stats(ctx context.Context) map[string]any {
	rooms := m.ListRooms(ctx)

	totalPlayers, totalConns, activeRounds := 0, 0, 0
	for _, info := range rooms {
		totalPlayers += len(info.Players)
		totalConns += info.Connections
		if info.Round.Active {
			activeRounds++
		}
	}

	return map[string]any{
		"total_rooms":       len(rooms),
		"total_players":     totalPlayers,
		"total_connections": totalConns,
		"active_rounds":     activeRounds,
	}
}

// NormalizeRoomCode 房間碼不分大小寫
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidRoomCode 房間碼只能由 roomCodeChars 組成
func ValidRoomCode(code string) bool {
	if len(code) != roomCodeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(roomCodeChars, c) {
			return false
		}
	}
	return true
}

func generateRoomCode() string {
	b := make([]byte, roomCodeLength)
	max := big.NewInt(int64(len(roomCodeChars)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// 隨機讀取失敗時退回時間戳
			idx = big.NewInt(time.Now().UnixNano() % int64(len(roomCodeChars)))
		}
		b[i] = roomCodeChars[idx.Int64()]
	}
	return string(b)
}
