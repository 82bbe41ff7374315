package internal

import (
	"log/slog"
	"slices"
)

// 系統設計問題：
//   多名玩家同時編輯同一個有序場景，如何在沒有鎖的情況下保證授權與一致性？
//
// 設計方案：
//   - 房間的所有事件由單一 goroutine 依序處理，檢查與變更之間不會被插入其他事件
//   - 所有權/遺棄規則是純函式 CanMutate，在同一個派發回合內求值
//   - 每次成功變更只廣播差異（物件 ID + 變更欄位），不廣播整個場景
//   - 授權失敗、未知物件、回合未開始一律靜默忽略（視為過期客戶端的競態）

const (
	// MinParticipants 回合進行中的最少參與者數，低於此數自動結束
	MinParticipants = 2

	MinMapSize     = 1
	MaxMapSize     = 13
	DefaultMapSize = 9
)

// 回合結束原因
const (
	ReasonVoted       = "voted"
	ReasonPlayerLeft  = "player_left"
	ReasonAdminForced = "admin_forced"
)

// Rect 佔領區
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Circle 出生圈
type Circle struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Diameter float64 `json:"diameter"`
}

// SpawnDiameter 地圖尺寸決定出生圈直徑
func SpawnDiameter(mapSize int) float64 {
	return float64(40 + 20*mapSize)
}

func defaultSpawnCircle() Circle {
	return Circle{X: 0, Y: 0, Diameter: SpawnDiameter(DefaultMapSize)}
}

// CanMutate 所有權/遺棄規則
//
// 請求者必須是目前的參與者；物件擁有者仍在回合中時只有擁有者能修改，
// 擁有者離開後任何參與者都能修改（不轉移所有權）。
func CanMutate(participants []string, ownerID, requester string) bool {
	if !slices.Contains(participants, requester) {
		return false
	}
	if requester == ownerID {
		return true
	}
	return !slices.Contains(participants, ownerID)
}

// Game 回合協調器
//
// 狀態：Idle（active=false）→ Active → Idle。
// 不是併發安全的：只能在房間的派發 goroutine 中使用。
type Game struct {
	lobby  *Lobby
	out    Broadcaster
	logger *slog.Logger

	active       bool
	capZone      *Rect
	spawn        Circle
	mapSize      int
	participants []string        // 鎖定順序
	votes        map[string]bool // key 集合恆等於 participants
	scene        []*SceneObject  // index 0 在最後面

	newID func() string
}

// NewGame 創建回合協調器
func NewGame(lobby *Lobby, out Broadcaster, logger *slog.Logger) *Game {
	g := &Game{
		lobby:  lobby,
		out:    out,
		logger: logger,
		newID:  NewObjectID,
	}
	g.reset()
	return g
}

// reset 回到預設值
func (g *Game) reset() {
	g.active = false
	g.capZone = nil
	g.spawn = defaultSpawnCircle()
	g.mapSize = DefaultMapSize
	g.participants = nil
	g.votes = make(map[string]bool)
	g.scene = nil
}

// Start 開始回合
//
// 鎖定呼叫當下登記表中的所有玩家（不看準備狀態，準備門檻由呼叫者決定）。
func (g *Game) Start() bool {
	if g.active {
		return false
	}
	ids := g.lobby.IDs()
	if len(ids) < MinParticipants {
		return false
	}

	g.participants = ids
	g.votes = make(map[string]bool, len(ids))
	for _, id := range ids {
		g.votes[id] = false
		g.lobby.SetInGame(id, true)
	}
	g.scene = nil
	g.active = true

	g.logger.Info("回合開始", "participants", len(ids))

	// 順序：roundStarted 必須先於任何物件事件
	g.out.Broadcast(Envelope{Type: EventRoundStarted, Payload: RoundStartedPayload{
		CapZone:     cloneRect(g.capZone),
		SpawnCircle: g.spawn,
		MapSize:     g.mapSize,
		Players:     g.participantPlayers(),
		Scene:       g.sceneCopy(),
	}})
	g.broadcastState()
	g.lobby.Broadcast()
	return true
}

// AddParticipant 回合進行中加入參與者
//
// 順序不可調換：其他人先看到新成員，新成員才收到自己的私人快照。
func (g *Game) AddParticipant(id string) bool {
	if !g.active || !g.lobby.Has(id) || g.IsParticipant(id) {
		return false
	}

	g.participants = append(g.participants, id)
	g.votes[id] = false
	g.lobby.SetInGame(id, true)

	g.lobby.Broadcast()
	g.broadcastState()
	g.out.SendTo(id, Envelope{Type: EventRoundSnapshot, Payload: g.Snapshot()})
	return true
}

// RemoveParticipant 移除參與者，人數不足時自動結束回合
func (g *Game) RemoveParticipant(id string) bool {
	if !g.IsParticipant(id) {
		return false
	}

	g.participants = slices.DeleteFunc(g.participants, func(p string) bool { return p == id })
	delete(g.votes, id)
	g.lobby.SetInGame(id, false)

	if len(g.participants) < MinParticipants {
		g.EndGame(ReasonPlayerLeft)
		return true
	}

	g.broadcastState()
	g.lobby.Broadcast()
	return true
}

// HandleDisconnect 連接斷開
func (g *Game) HandleDisconnect(id string) bool {
	return g.RemoveParticipant(id)
}

// VoteFinish 投票結束回合
func (g *Game) VoteFinish(id string, vote bool) bool {
	if !g.active || !g.IsParticipant(id) {
		return false
	}

	g.votes[id] = vote

	if len(g.participants) > 1 && g.unanimous() {
		g.EndGame(ReasonVoted)
		return true
	}

	g.broadcastState()
	return true
}

func (g *Game) unanimous() bool {
	for _, id := range g.participants {
		if !g.votes[id] {
			return false
		}
	}
	return true
}

// EndGame 結束回合，已是 Idle 時不做任何事
//
// 先重置共享狀態再送出 roundEnded，之後到達的事件看到的一定是一致的 Idle。
func (g *Game) EndGame(reason string) bool {
	if !g.active {
		return false
	}

	// 清除所有玩家的 inGame（不只是參與者，順便修正殘留狀態）
	for _, id := range g.lobby.IDs() {
		g.lobby.SetInGame(id, false)
	}
	g.reset()
	g.lobby.ResetReady()

	g.logger.Info("回合結束", "reason", reason)

	g.lobby.Broadcast()
	g.out.Broadcast(Envelope{Type: EventRoundEnded, Payload: RoundEndedPayload{Reason: reason}})
	return true
}

// CreateObject 新增場景物件
func (g *Game) CreateObject(requester string, geom Geometry, typ ObjectType) (SceneObject, bool) {
	if !g.active || !g.IsParticipant(requester) {
		return SceneObject{}, false
	}

	geom = geom.Clone()
	geom.Normalize()
	if err := geom.Validate(); err != nil {
		g.logger.Debug("忽略不合法的幾何資料", "conn_id", requester, "error", err)
		return SceneObject{}, false
	}
	if typ == "" {
		typ = TypeNone
	}

	obj := &SceneObject{
		ID:       g.newID(),
		OwnerID:  requester,
		Geometry: geom,
		Type:     typ,
	}
	g.scene = append(g.scene, obj)

	created := obj.Clone()
	g.out.Broadcast(Envelope{Type: EventObjectCreated, Payload: ObjectCreatedPayload{Object: created}})
	return created, true
}

// CreateObjects 批次新增，不合法的項目被跳過
func (g *Game) CreateObjects(requester string, items []CreateObjectCommand) []SceneObject {
	var created []SceneObject
	for _, item := range items {
		typ, ok := ParseObjectType(item.Type)
		if !ok {
			continue
		}
		if obj, ok := g.CreateObject(requester, item.Geometry, typ); ok {
			created = append(created, obj)
		}
	}
	return created
}

// DeleteObject 刪除場景物件
func (g *Game) DeleteObject(requester, objectID string) bool {
	idx, obj := g.authorize(requester, objectID)
	if obj == nil {
		return false
	}

	g.scene = slices.Delete(g.scene, idx, idx+1)
	g.out.Broadcast(Envelope{Type: EventObjectDeleted, Payload: ObjectDeletedPayload{ID: objectID}})
	return true
}

// ChangeObjectType 修改物件類型
func (g *Game) ChangeObjectType(requester, objectID string, typ ObjectType) bool {
	_, obj := g.authorize(requester, objectID)
	if obj == nil {
		return false
	}

	obj.Type = typ
	g.out.Broadcast(Envelope{Type: EventObjectUpdated, Payload: ObjectUpdatedPayload{ID: objectID, Type: typ}})
	return true
}

// MoveObject 以同類型的幾何資料取代物件幾何
func (g *Game) MoveObject(requester, objectID string, geom Geometry) bool {
	_, obj := g.authorize(requester, objectID)
	if obj == nil {
		return false
	}

	geom = geom.Clone()
	geom.Normalize()
	if geom.Validate() != nil || geom.Kind() != obj.Geometry.Kind() {
		return false
	}

	obj.Geometry = geom
	g.out.Broadcast(Envelope{Type: EventObjectMoved, Payload: ObjectMovedPayload{ID: objectID, Geometry: geom.Clone()}})
	return true
}

// ReorderObject 移到最後面（toBack）或最前面
func (g *Game) ReorderObject(requester, objectID string, toBack bool) bool {
	idx, obj := g.authorize(requester, objectID)
	if obj == nil {
		return false
	}

	g.scene = slices.Delete(g.scene, idx, idx+1)
	if toBack {
		g.scene = slices.Insert(g.scene, 0, obj)
	} else {
		g.scene = append(g.scene, obj)
	}

	g.out.Broadcast(Envelope{Type: EventObjectsReordered, Payload: ObjectsReorderedPayload{
		ID:     objectID,
		ToBack: toBack,
		Order:  g.order(),
	}})
	return true
}

// authorize 找到物件並套用所有權規則，未通過時回傳 nil
func (g *Game) authorize(requester, objectID string) (int, *SceneObject) {
	if !g.active {
		return -1, nil
	}
	idx := slices.IndexFunc(g.scene, func(o *SceneObject) bool { return o.ID == objectID })
	if idx < 0 {
		return -1, nil
	}
	obj := g.scene[idx]
	if !CanMutate(g.participants, obj.OwnerID, requester) {
		g.logger.Debug("拒絕修改物件", "conn_id", requester, "object_id", objectID, "owner_id", obj.OwnerID)
		return -1, nil
	}
	return idx, obj
}

// SetSpawnCircle 設置出生圈位置（直徑由地圖尺寸決定）
func (g *Game) SetSpawnCircle(x, y float64) bool {
	if !g.active || !finite(x, y) {
		return false
	}

	g.spawn.X, g.spawn.Y = x, y
	g.out.Broadcast(Envelope{Type: EventSpawnCircleUpdated, Payload: g.spawn})
	return true
}

// SetCapZone 設置佔領區
func (g *Game) SetCapZone(zone Rect) bool {
	if !g.active || !finite(zone.X, zone.Y, zone.Width, zone.Height) || zone.Width < 0 || zone.Height < 0 {
		return false
	}

	g.capZone = &zone
	g.out.Broadcast(Envelope{Type: EventCapZoneUpdated, Payload: CapZonePayload{CapZone: cloneRect(g.capZone)}})
	return true
}

// SetMapSize 設置地圖尺寸，同時更新出生圈直徑
func (g *Game) SetMapSize(size int) bool {
	if !g.active || size < MinMapSize || size > MaxMapSize {
		return false
	}

	g.mapSize = size
	g.spawn.Diameter = SpawnDiameter(size)
	g.out.Broadcast(Envelope{Type: EventMapSizeUpdated, Payload: MapSizePayload{MapSize: size, SpawnCircle: g.spawn}})
	return true
}

// Active 回合是否進行中
func (g *Game) Active() bool { return g.active }

// IsParticipant 是否為目前的參與者
func (g *Game) IsParticipant(id string) bool {
	return slices.Contains(g.participants, id)
}

// Participants 參與者（鎖定順序）
func (g *Game) Participants() []string {
	return append([]string{}, g.participants...)
}

// Votes 投票副本
func (g *Game) Votes() map[string]bool {
	out := make(map[string]bool, len(g.votes))
	for k, v := range g.votes {
		out[k] = v
	}
	return out
}

// Scene 場景副本（繪製順序）
func (g *Game) Scene() []SceneObject {
	return g.sceneCopy()
}

// Object 依 ID 取得物件副本
func (g *Game) Object(id string) (SceneObject, bool) {
	for _, o := range g.scene {
		if o.ID == id {
			return o.Clone(), true
		}
	}
	return SceneObject{}, false
}

func (g *Game) CapZone() *Rect      { return cloneRect(g.capZone) }
func (g *Game) SpawnCircle() Circle { return g.spawn }
func (g *Game) MapSize() int        { return g.mapSize }

// State 回合狀態（不含場景）
func (g *Game) State() RoundStatePayload {
	return RoundStatePayload{
		Active:       g.active,
		Participants: g.Participants(),
		Votes:        g.Votes(),
		CapZone:      cloneRect(g.capZone),
		SpawnCircle:  g.spawn,
		MapSize:      g.mapSize,
	}
}

// Snapshot 完整回合快照（含場景）
func (g *Game) Snapshot() RoundSnapshotPayload {
	return RoundSnapshotPayload{
		RoundStatePayload: g.State(),
		Scene:             g.sceneCopy(),
	}
}

func (g *Game) broadcastState() {
	g.out.Broadcast(Envelope{Type: EventRoundState, Payload: g.State()})
}

func (g *Game) participantPlayers() []Player {
	out := make([]Player, 0, len(g.participants))
	for _, id := range g.participants {
		if p, ok := g.lobby.Player(id); ok {
			out = append(out, p)
		}
	}
	return out
}

func (g *Game) sceneCopy() []SceneObject {
	out := make([]SceneObject, 0, len(g.scene))
	for _, o := range g.scene {
		out = append(out, o.Clone())
	}
	return out
}

func (g *Game) order() []string {
	out := make([]string, 0, len(g.scene))
	for _, o := range g.scene {
		out = append(out, o.ID)
	}
	return out
}

func cloneRect(r *Rect) *Rect {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}
