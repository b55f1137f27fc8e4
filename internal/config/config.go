package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr     string
	WSPath         string
	AllowedOrigins []string
	AdminAddr      string

	RedisURL    string
	DatabaseURL string

	StockfishPath   string
	OpeningBookPath string
	AIPreset        string
	AIMoveTimeout   time.Duration

	RoomTTL         time.Duration
	SendQueueSize   int
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration

	MessagesDir string

	ResultHistoryLimit int
	ResultTTL          time.Duration
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8081",
		WSPath:             "/",
		AIPreset:           "level3",
		AIMoveTimeout:      5 * time.Second,
		RoomTTL:            30 * time.Minute,
		SendQueueSize:      64,
		MaxMessageBytes:    64 << 10,
		PingInterval:       30 * time.Second,
		WriteTimeout:       10 * time.Second,
		ResultHistoryLimit: 200,
		ResultTTL:          24 * time.Hour,
	}

	if v := env("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := env("WS_PATH"); v != "" {
		if !strings.HasPrefix(v, "/") {
			v = "/" + v
		}
		cfg.WSPath = v
	}
	cfg.AllowedOrigins = splitList(env("ALLOWED_ORIGINS"))
	cfg.AdminAddr = env("ADMIN_ADDR")

	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")

	cfg.StockfishPath = env("STOCKFISH_PATH")
	cfg.OpeningBookPath = env("CHESS_POLYGLOT_BOOK_PATH")
	if v := env("AI_PRESET"); v != "" {
		cfg.AIPreset = strings.ToLower(v)
	}
	if n, ok := positiveInt("AI_MOVE_TIMEOUT_MS"); ok {
		cfg.AIMoveTimeout = time.Duration(n) * time.Millisecond
	}

	if n, ok := positiveInt("ROOM_TTL_SEC"); ok {
		cfg.RoomTTL = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("SEND_QUEUE_SIZE"); ok {
		cfg.SendQueueSize = n
	}
	if n, ok := positiveInt("MAX_MESSAGE_BYTES"); ok {
		cfg.MaxMessageBytes = int64(n)
	}
	if n, ok := positiveInt("PING_INTERVAL_SEC"); ok {
		cfg.PingInterval = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("WRITE_TIMEOUT_SEC"); ok {
		cfg.WriteTimeout = time.Duration(n) * time.Second
	}

	cfg.MessagesDir = env("MESSAGES_DIR")

	if n, ok := positiveInt("RESULT_HISTORY_LIMIT"); ok {
		cfg.ResultHistoryLimit = n
	}
	if n, ok := positiveInt("RESULT_TTL_SEC"); ok {
		cfg.ResultTTL = time.Duration(n) * time.Second
	}

	if cfg.AdminAddr != "" && cfg.AdminAddr == cfg.ListenAddr {
		return nil, errors.New("ADMIN_ADDR must differ from LISTEN_ADDR")
	}
	return cfg, nil
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }

// positiveInt ignores unset, malformed and non-positive values so defaults stay in effect.
func positiveInt(k string) (int, bool) {
	v := env(k)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
