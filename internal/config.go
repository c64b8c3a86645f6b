package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultCocBaseURL = "https://api.clashofclans.com/v1"

type Config struct {
	CocAPIKey  string
	CocBaseURL string
	ClanTag    string
	PlayerTag  string

	WarWinBonus       int
	CWLDurationDays   int
	ClanGamesStartDay int
	ClanGamesEndDay   int
	EventResetHourUTC int

	WarFetchConcurrency  int
	APIRequestsPerSecond float64
	APIBurst             int
	RequestTimeout       time.Duration
	SyncTimeout          time.Duration
	SyncInterval         time.Duration

	StoreDriver      string
	SQLitePath       string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDb       string
	PostgresSSLMode  string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	NATSUrl      string
	NATSClientID string

	RateLimitRedisPrefix string
	CORSAllowedOrigins   []string
	SentryDSN            string
	IPEchoURL            string

	AppPort  string
	AppEnv   string
	LogLevel string

	CacheEnabled    bool
	DatabaseEnabled bool

	ProfilingEnabled  bool
	ProfileDir        string
	MemoryThresholdMB uint64
}

// GameRules holds values set by the game operator that may change between seasons.
type GameRules struct {
	WinBonusStars     int
	CWLDurationDays   int
	ClanGamesStartDay int
	ClanGamesEndDay   int
	ResetHourUTC      int
}

func DefaultGameRules() GameRules {
	return GameRules{
		WinBonusStars:     10,
		CWLDurationDays:   10,
		ClanGamesStartDay: 22,
		ClanGamesEndDay:   28,
		ResetHourUTC:      8,
	}
}

func LoadConfig() *Config {
	// .env is optional, real deployments use the process environment
	_ = godotenv.Load()

	rules := DefaultGameRules()

	return &Config{
		CocAPIKey:  os.Getenv("COC_API_KEY"),
		CocBaseURL: strings.TrimRight(getEnv("COC_BASE_URL", defaultCocBaseURL), "/"),
		ClanTag:    os.Getenv("CLAN_TAG"),
		PlayerTag:  os.Getenv("PLAYER_TAG"),

		WarWinBonus:       getEnvInt("WAR_WIN_BONUS", rules.WinBonusStars),
		CWLDurationDays:   getEnvInt("CWL_DURATION_DAYS", rules.CWLDurationDays),
		ClanGamesStartDay: getEnvInt("CLAN_GAMES_START_DAY", rules.ClanGamesStartDay),
		ClanGamesEndDay:   getEnvInt("CLAN_GAMES_END_DAY", rules.ClanGamesEndDay),
		EventResetHourUTC: getEnvInt("EVENT_RESET_HOUR_UTC", rules.ResetHourUTC),

		WarFetchConcurrency:  clamp(getEnvInt("WAR_FETCH_CONCURRENCY", 1), 1, 4),
		APIRequestsPerSecond: getEnvFloat("API_REQUESTS_PER_SECOND", 5),
		APIBurst:             getEnvInt("API_BURST", 2),
		RequestTimeout:       time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,
		SyncTimeout:          time.Duration(getEnvInt("SYNC_TIMEOUT_SECONDS", 120)) * time.Second,
		SyncInterval:         time.Duration(getEnvInt("SYNC_INTERVAL_MINUTES", 30)) * time.Minute,

		StoreDriver:      getEnv("STORE_DRIVER", "postgres"),
		SQLitePath:       getEnv("SQLITE_PATH", "clash.db"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDb:       os.Getenv("POSTGRES_DB"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		NATSUrl:      os.Getenv("NATS_URL"),
		NATSClientID: getEnv("NATS_CLIENT_ID", "clash-core"),

		RateLimitRedisPrefix: getEnv("RATE_LIMIT_REDIS_PREFIX", "clash:ratelimit"),
		CORSAllowedOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		IPEchoURL:            getEnv("IP_ECHO_URL", "https://api.ipify.org?format=json"),

		AppPort:  getEnv("APP_PORT", "8000"),
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CacheEnabled:    getEnvBool("CACHE_ENABLED", true),
		DatabaseEnabled: getEnvBool("DATABASE_ENABLED", true),

		ProfilingEnabled:  getEnvBool("ENABLE_PROFILING", false),
		ProfileDir:        getEnv("PROFILE_DIR", os.TempDir()),
		MemoryThresholdMB: uint64(getEnvInt("MEMORY_THRESHOLD_MB", 512)),
	}
}

// Validate reports configuration that makes a sync run impossible.
func (c *Config) Validate() error {
	var missing []string
	if c.CocAPIKey == "" {
		missing = append(missing, "COC_API_KEY")
	}
	if c.ClanTag == "" {
		missing = append(missing, "CLAN_TAG")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.ClanGamesStartDay < 1 || c.ClanGamesEndDay > 28 || c.ClanGamesStartDay > c.ClanGamesEndDay {
		return fmt.Errorf("invalid clan games days %d-%d", c.ClanGamesStartDay, c.ClanGamesEndDay)
	}
	if c.EventResetHourUTC < 0 || c.EventResetHourUTC > 23 {
		return fmt.Errorf("invalid EVENT_RESET_HOUR_UTC %d", c.EventResetHourUTC)
	}
	return nil
}

func (c *Config) GameRules() GameRules {
	return GameRules{
		WinBonusStars:     c.WarWinBonus,
		CWLDurationDays:   c.CWLDurationDays,
		ClanGamesStartDay: c.ClanGamesStartDay,
		ClanGamesEndDay:   c.ClanGamesEndDay,
		ResetHourUTC:      c.EventResetHourUTC,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "":
		return fallback
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
