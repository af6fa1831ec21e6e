package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr           string
	AllowedOrigins []string
	// Inbound websocket command rate per connection.
	MsgPerSecond float64
	MsgBurst     int
}

type Storage struct {
	DBPath   string
	TapeFile string // optional JSON tape imported at startup
}

type Game struct {
	TickInterval time.Duration
	// Starts are refused inside [RestrictStart, RestrictEnd) local time.
	RestrictStart TimeOfDay
	RestrictEnd   TimeOfDay
	ResetAt       TimeOfDay
	Location      *time.Location
}

type Wallet struct {
	InitialPoints int64
}

type Log struct {
	File  string
	Level string
}

type Config struct {
	API     API
	Storage Storage
	Game    Game
	Wallet  Wallet
	Log     Log
}

// TimeOfDay is an hour:minute wall-clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			MsgPerSecond:   5,
			MsgBurst:       10,
		},
		Storage: Storage{
			DBPath: "data/game.db",
		},
		Game: Game{
			TickInterval:  time.Second,
			RestrictStart: TimeOfDay{Hour: 6},
			RestrictEnd:   TimeOfDay{Hour: 8},
			ResetAt:       TimeOfDay{Hour: 7},
			Location:      time.Local,
		},
		Wallet: Wallet{
			InitialPoints: 100000,
		},
		Log: Log{
			File:  "data/server.log",
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}
	if v := os.Getenv("WS_MSG_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("WS_MSG_PER_SEC: %w", err)
		}
		cfg.API.MsgPerSecond = f
	}
	if v := os.Getenv("WS_MSG_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("WS_MSG_BURST: %w", err)
		}
		cfg.API.MsgBurst = n
	}

	cfg.Storage.DBPath = getEnv("DB_PATH", cfg.Storage.DBPath)
	cfg.Storage.TapeFile = getEnv("TAPE_FILE", cfg.Storage.TapeFile)

	if ms := os.Getenv("GAME_TICK_MS"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("GAME_TICK_MS must be a positive integer: %q", ms)
		}
		cfg.Game.TickInterval = time.Duration(n) * time.Millisecond
	}
	for key, dst := range map[string]*TimeOfDay{
		"GAME_RESTRICT_START": &cfg.Game.RestrictStart,
		"GAME_RESTRICT_END":   &cfg.Game.RestrictEnd,
		"GAME_RESET_AT":       &cfg.Game.ResetAt,
	} {
		if v := os.Getenv(key); v != "" {
			tod, err := ParseTimeOfDay(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = tod
		}
	}
	if tz := os.Getenv("GAME_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return cfg, fmt.Errorf("GAME_TIMEZONE: %w", err)
		}
		cfg.Game.Location = loc
	}

	if v := os.Getenv("WALLET_INITIAL_POINTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("WALLET_INITIAL_POINTS: %w", err)
		}
		cfg.Wallet.InitialPoints = n
	}

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
