// Package internal 實現多人即時共享場景的房間服務器。
//
// 一個房間由兩部分狀態組成：
//   - Lobby：連線中的玩家、名稱、符號與準備狀態
//   - Game：回合生命週期、鎖定的參與者、投票與共享場景
//
// 房間狀態機
//
//	Idle（大廳）→ Active（回合進行中）→ Idle
//
// 回合在準備人數滿足 StartPolicy 時開始，在下列情況結束：
//   - 所有參與者（至少兩人）投票結束（reason: voted）
//   - 參與者少於兩人（reason: player_left）
//   - 管理員強制結束（reason: admin_forced）
//
// # 併發模型
//
// 每個房間是一個 actor：一個 goroutine 依序處理 inbox 中的事件，
// Lobby 與 Game 沒有任何鎖。一個事件的狀態變更與所有廣播完成後才處理下一個，
// 因此所有權檢查與變更之間不會插入其他事件。
//
// # 場景所有權
//
// 擁有者仍在回合中時，只有擁有者能修改或刪除自己的物件；
// 擁有者離開後，任何參與者都能修改（見 CanMutate）。
//
// # 傳輸
//
// WebSocket（gorilla/websocket），訊息格式為 {"t": 事件, "p": payload}，
// 可選 JSON 文字幀或 msgpack 二進位幀（?codec=msgpack）。
//
// 使用範例
//
//	cfg, _ := internal.LoadConfig(os.Args[1:], ".env")
//	manager := internal.NewManager(cfg, logger)
//	hub := internal.NewWebSocketHub(manager, cfg, logger)
//	handler := internal.NewHandler(manager, hub, cfg, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 配置選項（命令行參數或 SCENEROOM_ 前綴的環境變數）：
//   - -port：服務監聽端口（預設 8080）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -max-players：每房間最大玩家數
//   - -min-ready / -require-all-ready：開始回合的準備門檻
//   - -admin-token：管理 API 的 Bearer token
package internal
