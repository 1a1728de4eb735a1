package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Port               string
	Env                string
	StoreDriver        string
	DatabaseURL        string
	MongoURI           string
	MongoDatabase      string
	RedisURL           string
	RedisChannel       string
	MenuFile           string
	TaxRate            decimal.Decimal
	Location           *time.Location
	JWTSecret          string
	CORSAllowOrigins   []string
	RateLimitPerMinute int
	RateLimitBurst     int
	Client             ClientConfig
}

// ClientConfig drives the headless watch client.
type ClientConfig struct {
	BaseURL          string
	Token            string
	Role             string
	UserID           string
	PollConnected    time.Duration
	PollDisconnected time.Duration
	PollMax          time.Duration
	PollTimeout      time.Duration
	DedupWindow      time.Duration
}

var defaults = map[string]any{
	"port":                      "8080",
	"app_env":                   "development",
	"store_driver":              DriverMemory,
	"db_dsn":                    "",
	"mongo_uri":                 "",
	"mongo_database":            "tableside",
	"redis_url":                 "",
	"redis_channel":             "tableside:events",
	"menu_file":                 "",
	"tax_rate":                  "0",
	"time_zone":                 "Local",
	"jwt_secret":                "",
	"cors_allow_origins":        "*",
	"rate_limit_per_min":        600,
	"rate_limit_burst":          60,
	"client_base_url":           "http://localhost:8080",
	"client_token":              "",
	"client_role":               "staff",
	"client_user_id":            "",
	"poll_connected_seconds":    30,
	"poll_disconnected_seconds": 5,
	"poll_max_seconds":          60,
	"poll_timeout_seconds":      4,
	"dedup_window_ms":           2000,
}

// Load reads defaults, then the optional YAML file, then a .env file in the
// working directory, then the process environment. Later sources win.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	taxRate, err := decimal.NewFromString(strings.TrimSpace(v.GetString("tax_rate")))
	if err != nil {
		return Config{}, fmt.Errorf("TAX_RATE: %w", err)
	}
	if taxRate.IsNegative() {
		return Config{}, fmt.Errorf("TAX_RATE must not be negative")
	}

	location, err := time.LoadLocation(strings.TrimSpace(v.GetString("time_zone")))
	if err != nil {
		return Config{}, fmt.Errorf("TIME_ZONE: %w", err)
	}

	cfg := Config{
		Port:               v.GetString("port"),
		Env:                v.GetString("app_env"),
		StoreDriver:        strings.ToLower(strings.TrimSpace(v.GetString("store_driver"))),
		DatabaseURL:        v.GetString("db_dsn"),
		MongoURI:           v.GetString("mongo_uri"),
		MongoDatabase:      v.GetString("mongo_database"),
		RedisURL:           v.GetString("redis_url"),
		RedisChannel:       v.GetString("redis_channel"),
		MenuFile:           v.GetString("menu_file"),
		TaxRate:            taxRate,
		Location:           location,
		JWTSecret:          v.GetString("jwt_secret"),
		CORSAllowOrigins:   splitList(v.GetString("cors_allow_origins")),
		RateLimitPerMinute: v.GetInt("rate_limit_per_min"),
		RateLimitBurst:     v.GetInt("rate_limit_burst"),
		Client: ClientConfig{
			BaseURL:          strings.TrimRight(v.GetString("client_base_url"), "/"),
			Token:            v.GetString("client_token"),
			Role:             v.GetString("client_role"),
			UserID:           v.GetString("client_user_id"),
			PollConnected:    readDurationSeconds(v, "poll_connected_seconds"),
			PollDisconnected: readDurationSeconds(v, "poll_disconnected_seconds"),
			PollMax:          readDurationSeconds(v, "poll_max_seconds"),
			PollTimeout:      readDurationSeconds(v, "poll_timeout_seconds"),
			DedupWindow:      time.Duration(v.GetInt("dedup_window_ms")) * time.Millisecond,
		},
	}

	switch cfg.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DB_DSN is required for the postgres driver")
		}
	case DriverMongo:
		if cfg.MongoURI == "" {
			return Config{}, fmt.Errorf("MONGO_URI is required for the mongo driver")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func readDurationSeconds(v *viper.Viper, key string) time.Duration {
	value := v.GetInt(key)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
