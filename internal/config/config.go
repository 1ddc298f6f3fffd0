package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/reconcile"
)

const devTokenSecret = "hostelgate-dev-secret"

type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the health endpoint

	Env      string // "dev" | "prod"
	LogLevel string

	// DB
	DBDriver string // "memory" | "sqlite" | "postgres"
	DBPath   string // sqlite file, e.g. "./data/hostelgate.db"
	DBDSN    string // postgres connection string

	TokenSecret []byte

	// Issue policy
	IncomingLead               time.Duration
	IncomingGrace              time.Duration
	EmergencyImmediateIncoming bool
	EmergencySkipFloor         bool

	// Terminals
	KnownTerminals          []string
	RequireKnownTerminals   bool
	UpstreamAPIKey          string
	RateLimitPerMinute      int // 0 disables
	RedisAddr               string
	CredentialRetentionDays int // 0 = keep forever
	SweepIntervalMinutes    int

	Segments []reconcile.Segment
}

// LoadDotEnv reads a .env file into the environment without overriding
// variables that are already set.  A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func FromEnv() (Config, error) {
	env := strings.ToLower(getenvDefault("GATE_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	driver := strings.ToLower(getenvDefault("GATE_DB_DRIVER", "sqlite"))
	switch driver {
	case "memory", "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("GATE_DB_DRIVER: unknown driver %q", driver)
	}
	dsn := os.Getenv("GATE_DB_DSN")
	if driver == "postgres" && strings.TrimSpace(dsn) == "" {
		return Config{}, errors.New("GATE_DB_DSN is required for the postgres driver")
	}

	secret := os.Getenv("GATE_TOKEN_SECRET")
	if strings.TrimSpace(secret) == "" {
		if env == "prod" {
			return Config{}, errors.New("GATE_TOKEN_SECRET is required in prod")
		}
		secret = devTokenSecret
	}

	segments, err := loadSegments()
	if err != nil {
		return Config{}, err
	}

	return Config{
		HTTPAddr: getenvDefault("GATE_HTTP_ADDR", ":8080"),
		GRPCAddr: os.Getenv("GATE_GRPC_ADDR"),
		Env:      env,
		LogLevel: getenvDefault("GATE_LOG_LEVEL", "info"),

		DBDriver: driver,
		DBPath:   getenvDefault("GATE_DB_PATH", "./data/hostelgate.db"),
		DBDSN:    dsn,

		TokenSecret: []byte(secret),

		IncomingLead:               time.Duration(getenvInt("GATE_INCOMING_LEAD_MINUTES", 30)) * time.Minute,
		IncomingGrace:              time.Duration(getenvInt("GATE_INCOMING_GRACE_HOURS", 12)) * time.Hour,
		EmergencyImmediateIncoming: getenvBool("GATE_EMERGENCY_IMMEDIATE_INCOMING", true),
		EmergencySkipFloor:         getenvBool("GATE_EMERGENCY_SKIP_FLOOR", true),

		KnownTerminals:          splitCSV(os.Getenv("GATE_KNOWN_TERMINALS")),
		RequireKnownTerminals:   getenvBool("GATE_REQUIRE_KNOWN_TERMINALS", false),
		UpstreamAPIKey:          os.Getenv("GATE_UPSTREAM_API_KEY"),
		RateLimitPerMinute:      getenvInt("GATE_RATE_LIMIT_PER_MINUTE", 120),
		RedisAddr:               os.Getenv("GATE_REDIS_ADDR"),
		CredentialRetentionDays: getenvInt("GATE_CREDENTIAL_RETENTION_DAYS", 30),
		SweepIntervalMinutes:    getenvInt("GATE_SWEEP_INTERVAL_MINUTES", 15),

		Segments: segments,
	}, nil
}

type segmentFile struct {
	Segments []reconcile.Segment `yaml:"segments"`
}

// loadSegments prefers GATE_SEGMENTS_FILE, then GATE_SEGMENTS, then the
// built-in block groups.
func loadSegments() ([]reconcile.Segment, error) {
	if path := strings.TrimSpace(os.Getenv("GATE_SEGMENTS_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("GATE_SEGMENTS_FILE: %w", err)
		}
		var f segmentFile
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("GATE_SEGMENTS_FILE %s: %w", path, err)
		}
		if len(f.Segments) == 0 {
			return nil, fmt.Errorf("GATE_SEGMENTS_FILE %s: no segments", path)
		}
		for _, s := range f.Segments {
			if strings.TrimSpace(s.Name) == "" || len(s.Blocks) == 0 {
				return nil, fmt.Errorf("GATE_SEGMENTS_FILE %s: every segment needs a name and blocks", path)
			}
		}
		return f.Segments, nil
	}
	if raw := os.Getenv("GATE_SEGMENTS"); strings.TrimSpace(raw) != "" {
		segs, err := reconcile.ParseSegments(raw)
		if err != nil {
			return nil, fmt.Errorf("GATE_SEGMENTS: %w", err)
		}
		return segs, nil
	}
	return reconcile.DefaultSegments(), nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
