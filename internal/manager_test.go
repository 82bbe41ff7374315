package internal_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-scene-room/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() internal.Config {
	cfg := internal.DefaultConfig()
	cfg.CleanupInterval = time.Hour // 測試中手動呼叫 Cleanup
	return cfg
}

func newTestManager(t *testing.T, cfg internal.Config) *internal.Manager {
	t.Helper()

	manager := internal.NewManager(cfg, testLogger())
	t.Cleanup(manager.Stop)
	return manager
}

// TestNewManager 測試創建管理器
func TestNewManager(t *testing.T) {
	manager := newTestManager(t, testConfig())

	stats := manager.Stats(context.Background())
	assert.Equal(t, 0, stats["total_rooms"])
	assert.Equal(t, 0, stats["total_players"])
	assert.Equal(t, 0, stats["total_connections"])
	assert.Equal(t, 0, stats["active_rounds"])
}

// TestManager_CreateRoom 測試創建房間
func TestManager_CreateRoom(t *testing.T) {
	manager := newTestManager(t, testConfig())

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		room := manager.CreateRoom()
		require.NotNil(t, room)
		assert.True(t, internal.ValidRoomCode(room.Code), room.Code)
		assert.False(t, seen[room.Code], "duplicate code %s", room.Code)
		seen[room.Code] = true
	}

	assert.Len(t, manager.ListRooms(context.Background()), 50)
}

func TestManager_GetRoom(t *testing.T) {
	manager := newTestManager(t, testConfig())
	room := manager.CreateRoom()

	got, err := manager.GetRoom(strings.ToLower(room.Code))
	require.NoError(t, err)
	assert.Same(t, room, got)

	got, err = manager.GetRoom("  " + room.Code + " ")
	require.NoError(t, err)
	assert.Same(t, room, got)

	_, err = manager.GetRoom("ZZZZZZ")
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)
}

func TestManager_GetOrCreateRoom(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		want    string
		wantErr error
	}{
		{name: "new code", code: "ABC234", want: "ABC234"},
		{name: "lowercase", code: "xyz789", want: "XYZ789"},
		{name: "too short", code: "ABC23", wantErr: internal.ErrInvalidRoomCode},
		{name: "ambiguous characters", code: "ABCDE0", wantErr: internal.ErrInvalidRoomCode},
		{name: "empty", code: "", wantErr: internal.ErrInvalidRoomCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := newTestManager(t, testConfig())

			room, err := manager.GetOrCreateRoom(tt.code)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, room)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, room.Code)

			again, err := manager.GetOrCreateRoom(tt.want)
			require.NoError(t, err)
			assert.Same(t, room, again)
		})
	}
}

// TestManager_ConcurrentGetOrCreate 同一房間碼併發取得同一個房間
func TestManager_ConcurrentGetOrCreate(t *testing.T) {
	manager := newTestManager(t, testConfig())

	const workers = 50
	rooms := make([]*internal.Room, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := manager.GetOrCreateRoom("SAME22")
			if err == nil {
				rooms[i] = room
			}
		}(i)
	}
	wg.Wait()

	for _, room := range rooms {
		assert.Same(t, rooms[0], room)
	}
	assert.Len(t, manager.ListRooms(context.Background()), 1)
}

// TestManager_Cleanup 測試清理空閒房間
func TestManager_Cleanup(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyRoomTTL = 10 * time.Millisecond
	manager := newTestManager(t, cfg)

	idle := manager.CreateRoom()
	busy := manager.CreateRoom()
	conn := newFakeConn("a")
	require.True(t, busy.Submit(internal.Attach{Conn: conn}))
	syncRoom(t, busy)

	time.Sleep(30 * time.Millisecond)
	manager.Cleanup()

	_, err := manager.GetRoom(idle.Code)
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)
	assert.False(t, idle.Submit(internal.PingCommand{}), "expired room is stopped")

	_, err = manager.GetRoom(busy.Code)
	assert.NoError(t, err)
}

// TestManager_GetOrCreateRefreshesRoom 取得房間會更新活動時間，清理不會停掉即將附加連接的房間
func TestManager_GetOrCreateRefreshesRoom(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyRoomTTL = 20 * time.Millisecond
	manager := newTestManager(t, cfg)

	room := manager.CreateRoom()
	time.Sleep(40 * time.Millisecond)
	require.True(t, room.IsExpired(cfg.EmptyRoomTTL))

	got, err := manager.GetOrCreateRoom(room.Code)
	require.NoError(t, err)
	assert.Same(t, room, got)
	manager.Cleanup()

	_, err = manager.GetRoom(room.Code)
	assert.NoError(t, err)
	assert.True(t, got.Submit(internal.Attach{Conn: newFakeConn("a")}))
}

func TestManager_CleanupLoop(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyRoomTTL = time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	manager := newTestManager(t, cfg)

	room := manager.CreateRoom()
	assert.Eventually(t, func() bool {
		_, err := manager.GetRoom(room.Code)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ListAndStats(t *testing.T) {
	manager := newTestManager(t, testConfig())

	second, err := manager.GetOrCreateRoom("BBBBBB")
	require.NoError(t, err)
	first, err := manager.GetOrCreateRoom("AAAAAA")
	require.NoError(t, err)

	connectAndJoin(t, first, "a", "Alice")
	connectAndJoin(t, first, "b", "Bob")
	send(t, first, "a", internal.SetReadyCommand{Ready: true})
	send(t, first, "b", internal.SetReadyCommand{Ready: true})
	connectAndJoin(t, second, "c", "Carol")
	syncRoom(t, first)
	syncRoom(t, second)

	rooms := manager.ListRooms(context.Background())
	require.Len(t, rooms, 2)
	assert.Equal(t, "AAAAAA", rooms[0].Code)
	assert.Equal(t, "BBBBBB", rooms[1].Code)
	assert.True(t, rooms[0].Round.Active)

	stats := manager.Stats(context.Background())
	assert.Equal(t, 2, stats["total_rooms"])
	assert.Equal(t, 3, stats["total_players"])
	assert.Equal(t, 3, stats["total_connections"])
	assert.Equal(t, 1, stats["active_rounds"])
}

func TestManager_Stop(t *testing.T) {
	manager := internal.NewManager(testConfig(), testLogger())
	room := manager.CreateRoom()
	conn := newFakeConn("a")
	require.True(t, room.Submit(internal.Attach{Conn: conn}))
	syncRoom(t, room)

	manager.Stop()

	assert.Eventually(t, conn.isClosed, time.Second, 10*time.Millisecond)
	assert.False(t, room.Submit(internal.PingCommand{}))
	assert.Empty(t, manager.ListRooms(context.Background()))
}

func TestValidRoomCode(t *testing.T) {
	assert.True(t, internal.ValidRoomCode("ABC234"))
	assert.False(t, internal.ValidRoomCode("abc234"), "callers normalize first")
	assert.False(t, internal.ValidRoomCode("ABCDEI"))
	assert.False(t, internal.ValidRoomCode("ABCDEFG"))
	assert.Equal(t, "ABC234", internal.NormalizeRoomCode(" abc234 "))
}
