package internal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// 系統設計問題：
//   Lobby 與 Game 都沒有鎖，如何在多個 WebSocket goroutine 同時送入事件時保持正確？
//
// 設計方案：
//   ✅ 每個房間一個 actor goroutine + 單一 inbox
//   ✅ 一個事件完整處理完（狀態變更 + 所有廣播）才處理下一個
//   ✅ 廣播只是把訊息放進每個連接的緩衝 channel，慢連接不會拖住房間
//   ✅ 送不出去的連接直接關閉，由傳輸層回送 Detach 完成清理

var (
	// ErrRoomClosed 房間已停止
	ErrRoomClosed = errors.New("房間已關閉")
	// ErrBadPassword 大廳密碼錯誤
	ErrBadPassword = errors.New("密碼錯誤")
	// ErrConnClosed 連接已關閉
	ErrConnClosed = errors.New("連接已關閉")
	// ErrSendBufferFull 連接的發送緩衝區已滿
	ErrSendBufferFull = errors.New("發送緩衝區已滿")
)

// Conn 房間看到的連接
type Conn interface {
	ID() string
	Send(env Envelope) error
	Close() error
}

// Attach 新連接加入房間（尚未 join）
type Attach struct {
	Conn Conn
}

// Detach 連接斷開
type Detach struct {
	ConnID string
}

// Inbound 連接送來的已解碼指令
type Inbound struct {
	ConnID  string
	Command any
}

// Kick 管理員踢出玩家
type Kick struct {
	PlayerID string
	Reply    chan<- bool
}

// ForceEnd 管理員強制結束回合
type ForceEnd struct {
	Reason string
	Reply  chan<- bool
}

// Query 讀取房間資訊
type Query struct {
	Reply chan<- RoomInfo
}

// RoomInfo 房間資訊
type RoomInfo struct {
	Code        string            `json:"room_code"`
	Players     []Player          `json:"players"`
	Connections int               `json:"connections"`
	Round       RoundStatePayload `json:"round"`
	SceneSize   int               `json:"scene_size"`
}

// StartPolicy 決定準備人數是否足以開始回合
type StartPolicy func(ready, total int) bool

// ReadyPolicy 至少 minReady 人準備；requireAll 時所有人都必須準備
func ReadyPolicy(minReady int, requireAll bool) StartPolicy {
	if minReady < MinParticipants {
		minReady = MinParticipants
	}
	return func(ready, total int) bool {
		if ready < minReady {
			return false
		}
		return !requireAll || ready == total
	}
}

// RoomOptions 房間參數
type RoomOptions struct {
	MaxPlayers    int
	Palette       []string
	StartPolicy   StartPolicy
	LobbyPassword string
	InboxSize     int
	Rand          *rand.Rand
}

// Room 房間 actor
type Room struct {
	Code string

	inbox    chan any
	quit     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger

	conns  map[string]Conn
	order  []string // 連接順序，廣播依此順序
	lobby  *Lobby
	game   *Game
	policy StartPolicy
	gate   string

	connCount  atomic.Int32
	lastActive atomic.Int64
}

// NewRoom 創建房間，需呼叫 Run 才會開始處理事件
func NewRoom(code string, opts RoomOptions, logger *slog.Logger) *Room {
	if opts.Palette == nil {
		opts.Palette = DefaultPalette
	}
	if opts.StartPolicy == nil {
		opts.StartPolicy = ReadyPolicy(MinParticipants, true)
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	r := &Room{
		Code:   code,
		inbox:  make(chan any, opts.InboxSize),
		quit:   make(chan struct{}),
		logger: logger.With("room", code),
		conns:  make(map[string]Conn),
		policy: opts.StartPolicy,
		gate:   opts.LobbyPassword,
	}
	r.lobby = NewLobby(opts.MaxPlayers, opts.Palette, opts.Rand, r)
	r.game = NewGame(r.lobby, r, r.logger)
	r.touch()
	return r
}

// Run 事件迴圈，直到 Stop
func (r *Room) Run() {
	for {
		select {
		case <-r.quit:
			r.closeAll()
			return
		case cmd := <-r.inbox:
			r.dispatch(cmd)
		}
	}
}

// Stop 停止房間並關閉所有連接
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
}

// Submit 送入事件，房間已停止時回傳 false
func (r *Room) Submit(cmd any) bool {
	select {
	case <-r.quit:
		return false
	default:
	}

	select {
	case r.inbox <- cmd:
		return true
	case <-r.quit:
		return false
	}
}

// Info 讀取房間資訊（經由 inbox，與事件順序一致）
func (r *Room) Info(ctx context.Context) (RoomInfo, error) {
	reply := make(chan RoomInfo, 1)
	if !r.Submit(Query{Reply: reply}) {
		return RoomInfo{}, ErrRoomClosed
	}
	select {
	case info := <-reply:
		return info, nil
	case <-r.quit:
		return RoomInfo{}, ErrRoomClosed
	case <-ctx.Done():
		return RoomInfo{}, ctx.Err()
	}
}

// KickPlayer 踢出玩家
func (r *Room) KickPlayer(ctx context.Context, playerID string) (bool, error) {
	reply := make(chan bool, 1)
	return r.await(ctx, Kick{PlayerID: playerID, Reply: reply}, reply)
}

// ForceEndRound 強制結束回合
func (r *Room) ForceEndRound(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	return r.await(ctx, ForceEnd{Reason: ReasonAdminForced, Reply: reply}, reply)
}

func (r *Room) await(ctx context.Context, cmd any, reply <-chan bool) (bool, error) {
	if !r.Submit(cmd) {
		return false, ErrRoomClosed
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-r.quit:
		return false, ErrRoomClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ConnectionCount 目前連接數（可在任何 goroutine 讀取）
func (r *Room) ConnectionCount() int {
	return int(r.connCount.Load())
}

// IsExpired 沒有連接且閒置超過 ttl
func (r *Room) IsExpired(ttl time.Duration) bool {
	if r.connCount.Load() > 0 {
		return false
	}
	last := time.Unix(0, r.lastActive.Load())
	return time.Since(last) > ttl
}

func (r *Room) touch() {
	r.lastActive.Store(time.Now().UnixNano())
}

// dispatch 處理單一事件，panic 不會讓房間停止
func (r *Room) dispatch(cmd any) {
	defer func() {
		if err := recover(); err != nil {
			r.logger.Error("處理事件時發生 panic", "error", err)
		}
	}()

	r.touch()

	switch c := cmd.(type) {
	case Attach:
		r.attach(c.Conn)
	case Detach:
		r.detach(c.ConnID)
	case Inbound:
		if _, ok := r.conns[c.ConnID]; !ok {
			return
		}
		r.handleCommand(c.ConnID, c.Command)
	case Kick:
		c.Reply <- r.kick(c.PlayerID)
	case ForceEnd:
		c.Reply <- r.game.EndGame(c.Reason)
	case Query:
		c.Reply <- r.info()
	default:
		r.logger.Warn("未知的房間指令", "type", fmt.Sprintf("%T", cmd))
	}
}

func (r *Room) attach(c Conn) {
	if _, exists := r.conns[c.ID()]; exists {
		return
	}
	r.conns[c.ID()] = c
	r.order = append(r.order, c.ID())
	r.connCount.Store(int32(len(r.conns)))

	// 新連接先看到目前的大廳
	r.SendTo(c.ID(), Envelope{Type: EventLobbyUpdate, Payload: LobbyPayload{Players: r.lobby.Players()}})

	r.logger.Debug("連接加入房間", "conn_id", c.ID())
}

// detach 斷線清理：先處理回合，再移出登記表，最後丟掉連接
func (r *Room) detach(connID string) {
	c, ok := r.conns[connID]
	if !ok {
		return
	}

	wasActive := r.game.Active()
	r.game.HandleDisconnect(connID)
	r.lobby.RemovePlayer(connID)

	delete(r.conns, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.connCount.Store(int32(len(r.conns)))
	_ = c.Close()

	r.logger.Info("連接離開房間", "conn_id", connID)

	// 剩下的人可能都已準備
	if !wasActive {
		r.maybeStart()
	}
}

func (r *Room) handleCommand(connID string, cmd any) {
	switch c := cmd.(type) {
	case JoinCommand:
		r.handleJoin(connID, c)
	case SetReadyCommand:
		r.handleReady(connID, c.Ready)
	case VoteFinishCommand:
		r.game.VoteFinish(connID, c.Vote)
	case LeaveRoundCommand:
		r.game.RemoveParticipant(connID)
	case CreateObjectCommand:
		if typ, ok := ParseObjectType(c.Type); ok {
			r.game.CreateObject(connID, c.Geometry, typ)
		}
	case CreateObjectsBatchCommand:
		r.game.CreateObjects(connID, c.Objects)
	case UpdateObjectCommand:
		r.handleUpdate(connID, c)
	case DeleteObjectCommand:
		r.game.DeleteObject(connID, c.ID)
	case ReorderObjectCommand:
		r.game.ReorderObject(connID, c.ID, c.ToBack)
	case SetSpawnCircleCommand:
		r.game.SetSpawnCircle(c.X, c.Y)
	case SetCapZoneCommand:
		r.game.SetCapZone(Rect(c))
	case SetMapSizeCommand:
		r.game.SetMapSize(c.Size)
	case PingCommand:
		r.SendTo(connID, Envelope{Type: EventPong, Payload: struct{}{}})
	default:
		r.logger.Debug("忽略未知指令", "conn_id", connID)
	}
}

func (r *Room) handleJoin(connID string, c JoinCommand) {
	var (
		player *Player
		err    error
	)
	if r.gate != "" && subtle.ConstantTimeCompare([]byte(r.gate), []byte(c.Password)) != 1 {
		err = ErrBadPassword
	} else {
		player, err = r.lobby.AddPlayer(connID, c.Name)
	}

	if err != nil {
		r.logger.Info("拒絕加入", "conn_id", connID, "error", err)
		r.SendTo(connID, Envelope{Type: EventJoinRejected, Payload: JoinRejectedPayload{Reason: rejectReason(err)}})
		return
	}

	r.logger.Info("玩家加入", "conn_id", connID, "name", player.Name, "symbol", player.Symbol)
	r.SendTo(connID, Envelope{Type: EventJoined, Payload: JoinedPayload{Player: *player}})
}

// handleReady 回合進行中準備 = 加入回合；否則檢查開始條件
func (r *Room) handleReady(connID string, ready bool) {
	if !r.lobby.Has(connID) {
		return
	}

	if r.game.Active() {
		if ready {
			r.lobby.SetReady(connID, true)
			r.game.AddParticipant(connID)
		} else {
			r.lobby.SetReady(connID, false)
		}
		return
	}

	r.lobby.SetReady(connID, ready)
	r.maybeStart()
}

// maybeStart 回合閒置且符合開始條件時開始回合
func (r *Room) maybeStart() {
	if r.game.Active() {
		return
	}
	if r.policy(r.lobby.ReadyCount(), r.lobby.Len()) {
		r.game.Start()
	}
}

// handleUpdate 依序套用類型、幾何、圖層
func (r *Room) handleUpdate(connID string, c UpdateObjectCommand) {
	if c.Type != nil {
		if typ, ok := ParseObjectType(*c.Type); ok {
			r.game.ChangeObjectType(connID, c.ID, typ)
		}
	}
	if c.Geometry != nil {
		r.game.MoveObject(connID, c.ID, *c.Geometry)
	}
	if c.ToBack != nil {
		r.game.ReorderObject(connID, c.ID, *c.ToBack)
	}
}

// kick 通知被踢的玩家後立即清理；之後傳輸層的 Detach 不做任何事，
// 已排在 inbox 中的指令也因連接不存在而被丟棄
func (r *Room) kick(playerID string) bool {
	c, ok := r.conns[playerID]
	if !ok {
		return false
	}
	_ = c.Send(Envelope{Type: EventKicked, Payload: KickedPayload{Reason: ReasonAdminForced}})
	r.detach(playerID)
	r.logger.Info("玩家被踢出", "conn_id", playerID)
	return true
}

func (r *Room) info() RoomInfo {
	return RoomInfo{
		Code:        r.Code,
		Players:     r.lobby.Players(),
		Connections: len(r.conns),
		Round:       r.game.State(),
		SceneSize:   len(r.game.scene),
	}
}

// Broadcast 依連接順序送給所有連接
func (r *Room) Broadcast(env Envelope) {
	for _, id := range r.order {
		r.send(r.conns[id], env)
	}
}

// SendTo 送給單一連接
func (r *Room) SendTo(connID string, env Envelope) {
	if c, ok := r.conns[connID]; ok {
		r.send(c, env)
	}
}

// send 送不出去就關閉連接；不在這裡移除，等 Detach 進來再清理
func (r *Room) send(c Conn, env Envelope) {
	if err := c.Send(env); err != nil {
		if errors.Is(err, ErrConnClosed) {
			return
		}
		r.logger.Warn("送出訊息失敗，關閉連接", "conn_id", c.ID(), "event", env.Type, "error", err)
		_ = c.Close()
	}
}

func (r *Room) closeAll() {
	for _, c := range r.conns {
		_ = c.Close()
	}
	r.conns = make(map[string]Conn)
	r.order = nil
	r.connCount.Store(0)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrDuplicateName):
		return "duplicate_name"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrBadPassword):
		return "bad_password"
	}
	return "rejected"
}
