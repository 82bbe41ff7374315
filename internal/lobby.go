package internal

import (
	"errors"
	"math/rand/v2"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxNameLength 玩家名稱最大長度（字元數）
const MaxNameLength = 24

var (
	ErrRoomFull      = errors.New("房間已滿")
	ErrDuplicateName = errors.New("名稱已被使用")
	ErrInvalidName   = errors.New("名稱不合法")
	ErrAlreadyJoined = errors.New("玩家已在房間內")
)

// Player 玩家資訊
type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Ready  bool   `json:"ready"`
	InGame bool   `json:"inGame"`
}

// Lobby 參與者登記表
//
// 只負責「誰在房間裡、以什麼身分呈現」，與回合狀態無關。
// 每次變更後廣播完整玩家列表（不是差異），觀察者不需要序號也能收斂。
//
// 不是併發安全的：只能在房間的派發 goroutine 中使用。
type Lobby struct {
	players    map[string]*Player
	order      []string // 加入順序
	maxPlayers int
	palette    []string
	rnd        *rand.Rand
	out        Broadcaster
}

// NewLobby 創建登記表
func NewLobby(maxPlayers int, palette []string, rnd *rand.Rand, out Broadcaster) *Lobby {
	return &Lobby{
		players:    make(map[string]*Player),
		maxPlayers: maxPlayers,
		palette:    palette,
		rnd:        rnd,
		out:        out,
	}
}

// AddPlayer 加入玩家
func (l *Lobby) AddPlayer(id, name string) (*Player, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}

	if _, exists := l.players[id]; exists {
		return nil, ErrAlreadyJoined
	}

	if l.maxPlayers > 0 && len(l.players) >= l.maxPlayers {
		return nil, ErrRoomFull
	}

	used := make(map[string]bool, len(l.players))
	for _, p := range l.players {
		if strings.EqualFold(p.Name, name) {
			return nil, ErrDuplicateName
		}
		used[p.Symbol] = true
	}

	player := &Player{
		ID:     id,
		Name:   name,
		Symbol: AssignSymbol(name, used, l.palette, l.rnd),
	}
	l.players[id] = player
	l.order = append(l.order, id)

	l.Broadcast()
	return player, nil
}

// RemovePlayer 移除玩家，不存在時不做任何事
func (l *Lobby) RemovePlayer(id string) bool {
	if _, exists := l.players[id]; !exists {
		return false
	}

	delete(l.players, id)
	for i, pid := range l.order {
		if pid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}

	l.Broadcast()
	return true
}

// SetReady 設置準備狀態
func (l *Lobby) SetReady(id string, ready bool) bool {
	p, exists := l.players[id]
	if !exists {
		return false
	}

	p.Ready = ready
	l.Broadcast()
	return true
}

// ResetReady 清除所有人的準備狀態（回合結束時呼叫，由呼叫者負責廣播）
func (l *Lobby) ResetReady() {
	for _, p := range l.players {
		p.Ready = false
	}
}

// SetInGame 設置玩家是否在回合中
func (l *Lobby) SetInGame(id string, inGame bool) {
	if p, exists := l.players[id]; exists {
		p.InGame = inGame
	}
}

// ReadyCount 已準備的玩家數量
func (l *Lobby) ReadyCount() int {
	n := 0
	for _, p := range l.players {
		if p.Ready {
			n++
		}
	}
	return n
}

// Len 玩家數量
func (l *Lobby) Len() int {
	return len(l.players)
}

// Has 玩家是否存在
func (l *Lobby) Has(id string) bool {
	_, exists := l.players[id]
	return exists
}

// Player 取得玩家副本
func (l *Lobby) Player(id string) (Player, bool) {
	p, exists := l.players[id]
	if !exists {
		return Player{}, false
	}
	return *p, true
}

// IDs 依加入順序回傳玩家 ID
func (l *Lobby) IDs() []string {
	return append([]string(nil), l.order...)
}

// Players 依加入順序回傳玩家副本
func (l *Lobby) Players() []Player {
	out := make([]Player, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.players[id])
	}
	return out
}

// Broadcast 廣播完整玩家列表
func (l *Lobby) Broadcast() {
	l.out.Broadcast(Envelope{
		Type:    EventLobbyUpdate,
		Payload: LobbyPayload{Players: l.Players()},
	})
}

// ValidateName 清理並驗證玩家名稱
func ValidateName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", ErrInvalidName
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrInvalidName
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrInvalidName
		}
	}
	return name, nil
}
