package internal_test

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-scene-room/internal"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

// sent 記錄一次送出；To 為 "*" 表示廣播
type sent struct {
	To  string
	Env internal.Envelope
}

// recorder 記錄 Lobby/Game 送出的事件順序
type recorder struct {
	sent []sent
}

func (r *recorder) Broadcast(env internal.Envelope) {
	r.sent = append(r.sent, sent{To: "*", Env: env})
}

func (r *recorder) SendTo(connID string, env internal.Envelope) {
	r.sent = append(r.sent, sent{To: connID, Env: env})
}

func (r *recorder) reset() { r.sent = nil }

func (r *recorder) types() []string {
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.Env.Type)
	}
	return out
}

func (r *recorder) last(eventType string) (internal.Envelope, bool) {
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Env.Type == eventType {
			return r.sent[i].Env, true
		}
	}
	return internal.Envelope{}, false
}

// newTestGame 建立已有玩家的 Lobby 與 Game，並清空加入時的廣播記錄
func newTestGame(t *testing.T, ids ...string) (*internal.Game, *internal.Lobby, *recorder) {
	t.Helper()

	rec := &recorder{}
	lobby := internal.NewLobby(12, internal.DefaultPalette, testRand(), rec)
	for _, id := range ids {
		_, err := lobby.AddPlayer(id, "player-"+id)
		require.NoError(t, err)
	}
	game := internal.NewGame(lobby, rec, testLogger())
	rec.reset()
	return game, lobby, rec
}

// startedGame 建立並開始回合
func startedGame(t *testing.T, ids ...string) (*internal.Game, *internal.Lobby, *recorder) {
	t.Helper()

	game, lobby, rec := newTestGame(t, ids...)
	require.True(t, game.Start())
	rec.reset()
	return game, lobby, rec
}

func line(x1, y1, x2, y2 float64) internal.Geometry {
	return internal.Geometry{Line: &internal.Line{
		Start: internal.Point{X: x1, Y: y1},
		End:   internal.Point{X: x2, Y: y2},
	}}
}

func triangle(cx, cy float64) internal.Geometry {
	return internal.Geometry{Polygon: &internal.Polygon{
		Center:   internal.Point{X: cx, Y: cy},
		Vertices: []internal.Point{{X: 0, Y: -10}, {X: 10, Y: 10}, {X: -10, Y: 10}},
		Scale:    1,
	}}
}

// fakeConn 房間測試用的連接
type fakeConn struct {
	id       string
	mu       sync.Mutex
	got      []internal.Envelope
	closed   bool
	failSend bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env internal.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return internal.ErrConnClosed
	}
	if c.failSend {
		return internal.ErrSendBufferFull
	}
	c.got = append(c.got, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.got))
	for _, env := range c.got {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) last(eventType string) (internal.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.got) - 1; i >= 0; i-- {
		if c.got[i].Type == eventType {
			return c.got[i], true
		}
	}
	return internal.Envelope{}, false
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = nil
}

// runRoom 啟動房間 actor，測試結束時停止
func runRoom(t *testing.T, opts internal.RoomOptions) *internal.Room {
	t.Helper()

	if opts.Rand == nil {
		opts.Rand = testRand()
	}
	room := internal.NewRoom("TEST23", opts, testLogger())
	go room.Run()
	t.Cleanup(room.Stop)
	return room
}

// syncRoom 經由 inbox 等待先前送入的事件全部處理完
func syncRoom(t *testing.T, room *internal.Room) internal.RoomInfo {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := room.Info(ctx)
	require.NoError(t, err)
	return info
}

// connectAndJoin 連接並加入大廳
func connectAndJoin(t *testing.T, room *internal.Room, id, name string) *fakeConn {
	t.Helper()

	c := newFakeConn(id)
	require.True(t, room.Submit(internal.Attach{Conn: c}))
	require.True(t, room.Submit(internal.Inbound{ConnID: id, Command: internal.JoinCommand{Name: name}}))
	return c
}

func send(t *testing.T, room *internal.Room, id string, cmd any) {
	t.Helper()
	require.True(t, room.Submit(internal.Inbound{ConnID: id, Command: cmd}))
}
