package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvLookup resolves one configuration variable by its environment name.
// The CLI passes a viper-backed lookup so flags and config files layer over
// the environment; tests pass maps.
type EnvLookup func(name string) (string, bool)

// Config holds everything the relay server needs to come up. Zero values
// are never used directly: Load fills every field from the lookup or its
// default.
type Config struct {
	Port        string
	Environment string

	Store  StoreConfig
	Runner string

	AllowedOrigins []string

	RateLimitRequestsPerMinute int
	RateLimitBurst             int
	RequestTimeout             time.Duration
	ReplayLimit                int

	InterruptGrace    time.Duration
	MaxConcurrentRuns int

	Summary SummaryConfig

	ShutdownTimeout time.Duration
}

// StoreConfig selects and parameterizes the session store backend.
type StoreConfig struct {
	Kind        string // memory, sqlite or postgres
	SQLitePath  string
	DatabaseURL string
}

// SummaryConfig controls the gloss back-fill worker.
type SummaryConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// LoadConfig reads the server configuration from the process environment.
func LoadConfig() (Config, error) {
	return Load(os.LookupEnv)
}

// Load reads the server configuration through the given lookup. Malformed
// values are errors, not silent fallbacks: a typo in PULSE_RATE_LIMIT_RPM
// should stop the server, not quietly change its throttle.
func Load(lookup EnvLookup) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := reader{lookup: lookup}

	cfg := Config{
		Port:        r.str("PULSE_PORT", "8080"),
		Environment: r.str("PULSE_ENV", "development"),
		Store: StoreConfig{
			Kind:        strings.ToLower(r.str("PULSE_STORE", "memory")),
			SQLitePath:  r.str("PULSE_SQLITE_PATH", "pulse.db"),
			DatabaseURL: r.str("PULSE_DATABASE_URL", ""),
		},
		Runner:                     strings.ToLower(r.str("PULSE_RUNNER", "scripted")),
		AllowedOrigins:             parseAllowedOrigins(r.str("PULSE_CORS_ALLOWED_ORIGINS", "")),
		RateLimitRequestsPerMinute: r.integer("PULSE_RATE_LIMIT_RPM", 120),
		RateLimitBurst:             r.integer("PULSE_RATE_LIMIT_BURST", 30),
		RequestTimeout:             r.duration("PULSE_REQUEST_TIMEOUT", 30*time.Second),
		ReplayLimit:                r.integer("PULSE_REPLAY_LIMIT", 100),
		InterruptGrace:             r.duration("PULSE_INTERRUPT_GRACE", 5*time.Second),
		MaxConcurrentRuns:          r.integer("PULSE_MAX_CONCURRENT_RUNS", 16),
		Summary: SummaryConfig{
			Enabled:   r.boolean("PULSE_SUMMARY_ENABLED", true),
			Interval:  r.duration("PULSE_SUMMARY_INTERVAL", 3*time.Second),
			BatchSize: r.integer("PULSE_SUMMARY_BATCH_SIZE", 64),
		},
		ShutdownTimeout: r.duration("PULSE_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store.Kind {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return fmt.Errorf("store %q requires PULSE_DATABASE_URL", c.Store.Kind)
		}
	default:
		return fmt.Errorf("unknown store %q (memory, sqlite or postgres)", c.Store.Kind)
	}
	if c.Runner != "scripted" {
		return fmt.Errorf("unknown runner %q (scripted is the only built-in)", c.Runner)
	}
	return nil
}

// reader accumulates the first parse error so Load reads linearly.
type reader struct {
	lookup EnvLookup
	err    error
}

func (r *reader) str(name, fallback string) string {
	raw, ok := r.lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	return strings.TrimSpace(raw)
}

func (r *reader) integer(name string, fallback int) int {
	raw, ok := r.lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %q is not an integer", name, raw)
	}
	return parsed
}

func (r *reader) boolean(name string, fallback bool) bool {
	raw, ok := r.lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %q is not a boolean", name, raw)
	}
	return parsed
}

func (r *reader) duration(name string, fallback time.Duration) time.Duration {
	raw, ok := r.lookup(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %q is not a duration", name, raw)
	}
	return parsed
}

// parseAllowedOrigins splits a delimiter-separated origin list, trimming and
// de-duplicating entries.
func parseAllowedOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})
	origins := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		origin := strings.TrimSpace(field)
		if origin == "" {
			continue
		}
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
