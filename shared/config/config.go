package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	APIBaseURL   string
	APITimeoutMS int
	APIRetryMax  int

	HydrationTimeoutMS int
	VerifyTimeoutMS    int
	ChatPollSec        int

	StorageBackend    string
	StorageTTLSeconds int
	CookieHashKey     string
	CookieBlockKey    string
	CookieSecure      bool

	LoginRateLimitRPS   float64
	LoginRateLimitBurst int

	AuthJWKSURL      string
	AuthJWKSTTLSec   int
	AuthClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaTopic    string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

type kind int

const (
	kindString kind = iota
	kindSecret
	kindInt
	kindBool
	kindFloat
	kindCSV
)

type field struct {
	key  string
	kind kind
	ptr  any
}

// fields lists every key accepted from the config file and the environment.
// Env wins over the file.
func (c *Config) fields() []field {
	return []field{
		{"SERVICE_NAME", kindString, &c.ServiceName},
		{"HTTP_PORT", kindInt, &c.HTTPPort},
		{"LOG_LEVEL", kindString, &c.LogLevel},
		{"REQUEST_TIMEOUT_MS", kindInt, &c.RequestTimeoutMS},
		{"API_BASE_URL", kindString, &c.APIBaseURL},
		{"API_TIMEOUT_MS", kindInt, &c.APITimeoutMS},
		{"API_RETRY_MAX", kindInt, &c.APIRetryMax},
		{"HYDRATION_TIMEOUT_MS", kindInt, &c.HydrationTimeoutMS},
		{"VERIFY_TIMEOUT_MS", kindInt, &c.VerifyTimeoutMS},
		{"CHAT_POLL_INTERVAL_SECONDS", kindInt, &c.ChatPollSec},
		{"STORAGE_BACKEND", kindString, &c.StorageBackend},
		{"STORAGE_TTL_SECONDS", kindInt, &c.StorageTTLSeconds},
		{"COOKIE_HASH_KEY", kindSecret, &c.CookieHashKey},
		{"COOKIE_BLOCK_KEY", kindSecret, &c.CookieBlockKey},
		{"COOKIE_SECURE", kindBool, &c.CookieSecure},
		{"LOGIN_RATE_LIMIT_RPS", kindFloat, &c.LoginRateLimitRPS},
		{"LOGIN_RATE_LIMIT_BURST", kindInt, &c.LoginRateLimitBurst},
		{"AUTH_JWKS_URL", kindString, &c.AuthJWKSURL},
		{"AUTH_JWKS_TTL_SECONDS", kindInt, &c.AuthJWKSTTLSec},
		{"AUTH_CLOCK_SKEW_SECONDS", kindInt, &c.AuthClockSkewSec},
		{"DATABASE_URL", kindString, &c.DatabaseURL},
		{"DB_MAX_CONNS", kindInt, &c.DBMaxConns},
		{"DB_MIN_CONNS", kindInt, &c.DBMinConns},
		{"DB_CONN_MAX_IDLE_SECONDS", kindInt, &c.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", kindInt, &c.DBConnMaxLifeSec},
		{"REDIS_ADDR", kindString, &c.RedisAddr},
		{"REDIS_PASSWORD", kindSecret, &c.RedisPassword},
		{"REDIS_DB", kindInt, &c.RedisDB},
		{"KAFKA_BROKERS", kindCSV, &c.KafkaBrokers},
		{"KAFKA_CLIENT_ID", kindString, &c.KafkaClientID},
		{"KAFKA_ACTIVITY_TOPIC", kindString, &c.KafkaTopic},
		{"KAFKA_CONSUMER_GROUP", kindString, &c.KafkaGroupID},
		{"KAFKA_RETRY_MAX", kindInt, &c.KafkaRetryMax},
		{"KAFKA_WRITE_TIMEOUT_MS", kindInt, &c.KafkaWriteMS},
		{"INFLUX_URL", kindString, &c.InfluxURL},
		{"INFLUX_TOKEN", kindSecret, &c.InfluxToken},
		{"INFLUX_ORG", kindString, &c.InfluxOrg},
		{"INFLUX_BUCKET", kindString, &c.InfluxBucket},
		{"INFLUX_TIMEOUT_MS", kindInt, &c.InfluxTimeoutMS},
		{"OTEL_ENABLED", kindBool, &c.OtelEnabled},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", kindString, &c.OtelEndpoint},
		{"OTEL_EXPORTER_OTLP_INSECURE", kindBool, &c.OtelInsecure},
		{"OTEL_SAMPLE_RATIO", kindFloat, &c.OtelSampleRatio},
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                 envRaw,
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		ConfigPath:          strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:    30000,
		APIBaseURL:          "http://localhost:8000",
		APITimeoutMS:        30000,
		APIRetryMax:         1,
		HydrationTimeoutMS:  1000,
		VerifyTimeoutMS:     10000,
		ChatPollSec:         30,
		StorageBackend:      StorageMemory,
		StorageTTLSeconds:   30 * 24 * 3600,
		LoginRateLimitRPS:   1,
		LoginRateLimitBurst: 10,
		AuthJWKSTTLSec:      300,
		AuthClockSkewSec:    30,
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		KafkaTopic:          "console.activity",
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		InfluxTimeoutMS:     5000,
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			if cfg.Env == "" {
				cfg.Env = strings.TrimSpace(fileEnv)
			}
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positive := func(key string, v *int, def int) {
		if *v <= 0 {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be > 0"})
			*v = def
		}
	}
	nonNegative := func(key string, v *int, def int) {
		if *v < 0 {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be >= 0"})
			*v = def
		}
	}
	positive("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	positive("API_TIMEOUT_MS", &cfg.APITimeoutMS, 30000)
	nonNegative("API_RETRY_MAX", &cfg.APIRetryMax, 1)
	positive("HYDRATION_TIMEOUT_MS", &cfg.HydrationTimeoutMS, 1000)
	positive("VERIFY_TIMEOUT_MS", &cfg.VerifyTimeoutMS, 10000)
	positive("CHAT_POLL_INTERVAL_SECONDS", &cfg.ChatPollSec, 30)
	positive("STORAGE_TTL_SECONDS", &cfg.StorageTTLSeconds, 30*24*3600)
	positive("LOGIN_RATE_LIMIT_BURST", &cfg.LoginRateLimitBurst, 10)
	positive("AUTH_JWKS_TTL_SECONDS", &cfg.AuthJWKSTTLSec, 300)
	nonNegative("AUTH_CLOCK_SKEW_SECONDS", &cfg.AuthClockSkewSec, 30)
	positive("DB_MAX_CONNS", &cfg.DBMaxConns, 10)
	nonNegative("DB_MIN_CONNS", &cfg.DBMinConns, 1)
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300)
	positive("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800)
	nonNegative("REDIS_DB", &cfg.RedisDB, 0)
	nonNegative("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 5)
	positive("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000)
	positive("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000)

	if cfg.LoginRateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "LOGIN_RATE_LIMIT_RPS", Message: "LOGIN_RATE_LIMIT_RPS must be > 0"})
		cfg.LoginRateLimitRPS = 1
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		*problems = append(*problems, Problem{Field: "API_BASE_URL", Message: "API_BASE_URL is required"})
	}

	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	switch cfg.StorageBackend {
	case StorageMemory:
	case StorageRedis:
		if cfg.RedisAddr == "" {
			*problems = append(*problems, Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required for redis storage"})
		}
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			*problems = append(*problems, Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required for postgres storage"})
		}
	default:
		*problems = append(*problems, Problem{Field: "STORAGE_BACKEND", Message: "STORAGE_BACKEND must be memory, redis or postgres"})
		cfg.StorageBackend = StorageMemory
	}

	if cfg.CookieHashKey == "" && strings.EqualFold(cfg.Env, "prod") {
		*problems = append(*problems, Problem{Field: "COOKIE_HASH_KEY", Message: "COOKIE_HASH_KEY is required in prod"})
	}
}

// HydrationTimeout, VerifyTimeout and friends convert the millisecond knobs.
func (c Config) HydrationTimeout() time.Duration {
	return time.Duration(c.HydrationTimeoutMS) * time.Millisecond
}

func (c Config) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutMS) * time.Millisecond
}

func (c Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutMS) * time.Millisecond
}

func (c Config) ChatPollInterval() time.Duration {
	return time.Duration(c.ChatPollSec) * time.Second
}

func (c Config) StorageTTL() time.Duration {
	return time.Duration(c.StorageTTLSeconds) * time.Second
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	// PORT is the fallback spelling used by most PaaS runtimes.
	if strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
			setField(field{"HTTP_PORT", kindInt, &cfg.HTTPPort}, v, problems)
		}
	}
	for _, f := range cfg.fields() {
		raw, ok := os.LookupEnv(f.key)
		if !ok {
			continue
		}
		if f.kind != kindSecret {
			raw = strings.TrimSpace(raw)
		}
		if raw == "" {
			continue
		}
		setField(f, raw, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]field)
	for _, f := range cfg.fields() {
		byKey[f.key] = f
	}
	for k, v := range raw {
		f, ok := byKey[strings.ToUpper(strings.TrimSpace(k))]
		if !ok {
			continue
		}
		setField(f, v, problems)
	}
}

func setField(f field, v any, problems *[]Problem) {
	switch f.kind {
	case kindString:
		if s, ok := v.(string); ok {
			*f.ptr.(*string) = strings.TrimSpace(s)
		}
	case kindSecret:
		if s, ok := v.(string); ok {
			*f.ptr.(*string) = s
		}
	case kindInt:
		n, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be an integer"})
			return
		}
		*f.ptr.(*int) = n
	case kindBool:
		var b, ok bool
		switch t := v.(type) {
		case bool:
			b, ok = t, true
		case string:
			b, ok = asBool(t)
		}
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a boolean"})
			return
		}
		*f.ptr.(*bool) = b
	case kindFloat:
		n, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a number"})
			return
		}
		*f.ptr.(*float64) = n
	case kindCSV:
		switch t := v.(type) {
		case string:
			*f.ptr.(*[]string) = parseCSV(t)
		case []any:
			*f.ptr.(*[]string) = parseAnyCSV(t)
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
