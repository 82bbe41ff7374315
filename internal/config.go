package internal

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config 服務器配置
//
// 載入順序：struct tag 預設值 → 環境變數（可由 .env 提供）→ 命令行參數。
type Config struct {
	Port            int           `env:"PORT"              envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL"         envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"        envDefault:"text"`
	MaxPlayers      int           `env:"MAX_PLAYERS"       envDefault:"12"`
	MinReady        int           `env:"MIN_READY"         envDefault:"2"`
	RequireAllReady bool          `env:"REQUIRE_ALL_READY" envDefault:"true"`
	EmptyRoomTTL    time.Duration `env:"EMPTY_ROOM_TTL"    envDefault:"5m"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL"  envDefault:"1m"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE"  envDefault:"256"`
	AdminToken      string        `env:"ADMIN_TOKEN"`
	LobbyPassword   string        `env:"LOBBY_PASSWORD"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS"   envSeparator:","`
}

// EnvPrefix 環境變數前綴
const EnvPrefix = "SCENEROOM_"

// DefaultConfig 只含預設值的配置
func DefaultConfig() Config {
	var cfg Config
	// 空環境下只會套用 envDefault
	_ = env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: map[string]string{}})
	return cfg
}

// LoadConfig 載入配置
//
// dotenv 檔案不存在不是錯誤；args 通常是 os.Args[1:]。
func LoadConfig(args []string, dotenvFiles ...string) (Config, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("載入 %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("解析環境變數: %w", err)
	}

	fset := flag.NewFlagSet("server", flag.ContinueOnError)
	fset.IntVar(&cfg.Port, "port", cfg.Port, "服務器端口")
	fset.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "日誌級別 (debug, info, warn, error)")
	fset.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "日誌格式 (text, json)")
	fset.IntVar(&cfg.MaxPlayers, "max-players", cfg.MaxPlayers, "每房間最大玩家數")
	fset.IntVar(&cfg.MinReady, "min-ready", cfg.MinReady, "開始回合所需的最少準備人數")
	fset.BoolVar(&cfg.RequireAllReady, "require-all-ready", cfg.RequireAllReady, "是否需要所有人都準備")
	fset.DurationVar(&cfg.EmptyRoomTTL, "empty-room-ttl", cfg.EmptyRoomTTL, "空房間保留時間")
	fset.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "管理 API 的 Bearer token（空字串停用）")
	if err := fset.Parse(args); err != nil {
		return Config{}, fmt.Errorf("解析命令行參數: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("端口不合法: %d", c.Port))
	}
	if c.MaxPlayers < MinParticipants {
		errs = append(errs, fmt.Errorf("每房間最大玩家數至少為 %d", MinParticipants))
	}
	if c.MinReady > c.MaxPlayers {
		errs = append(errs, fmt.Errorf("最少準備人數 %d 超過最大玩家數 %d", c.MinReady, c.MaxPlayers))
	}
	if c.SendBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("發送緩衝區大小必須大於 0"))
	}
	if c.EmptyRoomTTL <= 0 || c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("清理時間必須大於 0"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("日誌格式不合法: %s", c.LogFormat))
	}
	return errors.Join(errs...)
}

// RoomOptions 由配置產生房間參數
func (c Config) RoomOptions() RoomOptions {
	return RoomOptions{
		MaxPlayers:    c.MaxPlayers,
		StartPolicy:   ReadyPolicy(c.MinReady, c.RequireAllReady),
		LobbyPassword: c.LobbyPassword,
	}
}
