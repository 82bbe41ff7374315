package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// 客戶端 → 服務器事件
const (
	EventJoin               = "join"
	EventSetReady           = "setReady"
	EventVoteFinish         = "voteFinish"
	EventLeaveRound         = "leaveRound"
	EventCreateObject       = "createObject"
	EventCreateObjectsBatch = "createObjectsBatch"
	EventUpdateObject       = "updateObject"
	EventDeleteObject       = "deleteObject"
	EventReorderObject      = "reorderObject"
	EventSetSpawnCircle     = "setSpawnCircle"
	EventSetCapZone         = "setCapZone"
	EventSetMapSize         = "setMapSize"
	EventPing               = "ping"
)

// 服務器 → 客戶端事件
const (
	EventWelcome            = "welcome"
	EventJoined             = "joined"
	EventJoinRejected       = "joinRejected"
	EventLobbyUpdate        = "lobbyUpdate"
	EventRoundStarted       = "roundStarted"
	EventRoundState         = "roundState"
	EventRoundSnapshot      = "roundSnapshot"
	EventRoundEnded         = "roundEnded"
	EventObjectCreated      = "objectCreated"
	EventObjectUpdated      = "objectUpdated"
	EventObjectDeleted      = "objectDeleted"
	EventObjectMoved        = "objectMoved"
	EventObjectsReordered   = "objectsReordered"
	EventSpawnCircleUpdated = "spawnCircleUpdated"
	EventCapZoneUpdated     = "capZoneUpdated"
	EventMapSizeUpdated     = "mapSizeUpdated"
	EventKicked             = "kicked"
	EventPong               = "pong"
	EventError              = "error"
)

var (
	// ErrUnknownEvent 未知的事件類型
	ErrUnknownEvent = errors.New("未知的事件類型")
	// ErrEmptyPayload 缺少 payload
	ErrEmptyPayload = errors.New("缺少 payload")
)

// Envelope 出站訊息
type Envelope struct {
	Type    string
	Payload any
}

// RawEnvelope 入站訊息，payload 尚未解碼
type RawEnvelope struct {
	Type    string
	Payload []byte
}

// Broadcaster 房間的扇出介面
//
// Lobby 與 Game 只透過它送出事件，實際的連接由 Room 持有。
type Broadcaster interface {
	Broadcast(env Envelope)
	SendTo(connID string, env Envelope)
}

// Codec 線路編碼
type Codec interface {
	Name() string
	FrameType() int // websocket.TextMessage / websocket.BinaryMessage
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (RawEnvelope, error)
	Unmarshal(payload []byte, v any) error
}

// CodecByName 依名稱取得編碼器，空字串為 JSON
func CodecByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSONCodec{}, true
	case "msgpack":
		return MsgpackCodec{}, true
	}
	return nil, false
}

// JSONCodec 文字幀，{"t": type, "p": payload}
type JSONCodec struct{}

type jsonWire struct {
	T string          `json:"t"`
	P json.RawMessage `json:"p,omitempty"`
}

func (JSONCodec) Name() string   { return "json" }
func (JSONCodec) FrameType() int { return websocket.TextMessage }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("編碼訊息: 缺少類型")
	}
	p, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("編碼 payload: %w", err)
	}
	return json.Marshal(jsonWire{T: env.Type, P: p})
}

func (JSONCodec) Decode(data []byte) (RawEnvelope, error) {
	if len(data) == 0 {
		return RawEnvelope{}, fmt.Errorf("解碼訊息: 空訊息")
	}
	var w jsonWire
	if err := json.Unmarshal(data, &w); err != nil {
		return RawEnvelope{}, fmt.Errorf("解碼訊息: %w", err)
	}
	if w.T == "" {
		return RawEnvelope{}, fmt.Errorf("解碼訊息: 缺少類型")
	}
	return RawEnvelope{Type: w.T, Payload: w.P}, nil
}

func (JSONCodec) Unmarshal(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}

// MsgpackCodec 二進位幀，沿用 json 標籤作為欄位名
type MsgpackCodec struct{}

type msgpackWire struct {
	T string             `json:"t"`
	P msgpack.RawMessage `json:"p,omitempty"`
}

func (MsgpackCodec) Name() string   { return "msgpack" }
func (MsgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (c MsgpackCodec) Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("編碼訊息: 缺少類型")
	}
	p, err := c.marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("編碼 payload: %w", err)
	}
	return c.marshal(msgpackWire{T: env.Type, P: p})
}

func (c MsgpackCodec) Decode(data []byte) (RawEnvelope, error) {
	if len(data) == 0 {
		return RawEnvelope{}, fmt.Errorf("解碼訊息: 空訊息")
	}
	var w msgpackWire
	if err := c.Unmarshal(data, &w); err != nil {
		return RawEnvelope{}, fmt.Errorf("解碼訊息: %w", err)
	}
	if w.T == "" {
		return RawEnvelope{}, fmt.Errorf("解碼訊息: 缺少類型")
	}
	return RawEnvelope{Type: w.T, Payload: w.P}, nil
}

func (MsgpackCodec) Unmarshal(payload []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (MsgpackCodec) marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// 入站指令

type JoinCommand struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

type SetReadyCommand struct {
	Ready bool `json:"ready"`
}

type VoteFinishCommand struct {
	Vote bool `json:"vote"`
}

type LeaveRoundCommand struct{}

type CreateObjectCommand struct {
	Geometry Geometry `json:"geometry"`
	Type     string   `json:"type,omitempty"`
}

type CreateObjectsBatchCommand struct {
	Objects []CreateObjectCommand `json:"objects"`
}

// UpdateObjectCommand 只有出現的欄位會被套用
type UpdateObjectCommand struct {
	ID       string    `json:"id"`
	Type     *string   `json:"type,omitempty"`
	Geometry *Geometry `json:"geometry,omitempty"`
	ToBack   *bool     `json:"toBack,omitempty"`
}

type DeleteObjectCommand struct {
	ID string `json:"id"`
}

type ReorderObjectCommand struct {
	ID     string `json:"id"`
	ToBack bool   `json:"toBack"`
}

type SetSpawnCircleCommand struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SetCapZoneCommand struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type SetMapSizeCommand struct {
	Size int `json:"size"`
}

type PingCommand struct{}

// ParseCommand 將入站幀解碼為對應的指令結構
func ParseCommand(codec Codec, data []byte) (any, error) {
	env, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case EventJoin:
		return decodePayload[JoinCommand](codec, env)
	case EventSetReady:
		return decodePayload[SetReadyCommand](codec, env)
	case EventVoteFinish:
		return decodePayload[VoteFinishCommand](codec, env)
	case EventLeaveRound:
		return LeaveRoundCommand{}, nil
	case EventCreateObject:
		return decodePayload[CreateObjectCommand](codec, env)
	case EventCreateObjectsBatch:
		return decodePayload[CreateObjectsBatchCommand](codec, env)
	case EventUpdateObject:
		return decodePayload[UpdateObjectCommand](codec, env)
	case EventDeleteObject:
		return decodePayload[DeleteObjectCommand](codec, env)
	case EventReorderObject:
		return decodePayload[ReorderObjectCommand](codec, env)
	case EventSetSpawnCircle:
		return decodePayload[SetSpawnCircleCommand](codec, env)
	case EventSetCapZone:
		return decodePayload[SetCapZoneCommand](codec, env)
	case EventSetMapSize:
		return decodePayload[SetMapSizeCommand](codec, env)
	case EventPing:
		return PingCommand{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
}

func decodePayload[T any](codec Codec, env RawEnvelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("%w: %s", ErrEmptyPayload, env.Type)
	}
	if err := codec.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("解碼 %s: %w", env.Type, err)
	}
	return out, nil
}

// 出站 payload

type WelcomePayload struct {
	ConnID string `json:"connId"`
	Codec  string `json:"codec"`
}

type JoinedPayload struct {
	Player Player `json:"player"`
}

type JoinRejectedPayload struct {
	Reason string `json:"reason"`
}

type LobbyPayload struct {
	Players []Player `json:"players"`
}

type RoundStartedPayload struct {
	CapZone     *Rect         `json:"capZone"`
	SpawnCircle Circle        `json:"spawnCircle"`
	MapSize     int           `json:"mapSize"`
	Players     []Player      `json:"players"`
	Scene       []SceneObject `json:"scene"`
}

type RoundStatePayload struct {
	Active       bool            `json:"active"`
	Participants []string        `json:"participants"`
	Votes        map[string]bool `json:"votes"`
	CapZone      *Rect           `json:"capZone"`
	SpawnCircle  Circle          `json:"spawnCircle"`
	MapSize      int             `json:"mapSize"`
}

type RoundSnapshotPayload struct {
	RoundStatePayload
	Scene []SceneObject `json:"scene"`
}

type RoundEndedPayload struct {
	Reason string `json:"reason"`
}

type ObjectCreatedPayload struct {
	Object SceneObject `json:"object"`
}

type ObjectUpdatedPayload struct {
	ID   string     `json:"id"`
	Type ObjectType `json:"type"`
}

type ObjectDeletedPayload struct {
	ID string `json:"id"`
}

type ObjectMovedPayload struct {
	ID       string   `json:"id"`
	Geometry Geometry `json:"geometry"`
}

type ObjectsReorderedPayload struct {
	ID     string   `json:"id"`
	ToBack bool     `json:"toBack"`
	Order  []string `json:"order"`
}

type CapZonePayload struct {
	CapZone *Rect `json:"capZone"`
}

type MapSizePayload struct {
	MapSize     int    `json:"mapSize"`
	SpawnCircle Circle `json:"spawnCircle"`
}

type KickedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
