package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Personality selects the voice of the deceptive responder.
type Personality string

const (
	PersonalityHelpful   Personality = "helpful"   // Friendly, eager-to-please assistant (default)
	PersonalityCautious  Personality = "cautious"  // Safety-first framing on every reply
	PersonalityTechnical Personality = "technical" // Terse, engineering-flavored replies
)

// SinkKind selects the concrete reporting sink backend.
type SinkKind string

const (
	SinkLog      SinkKind = "log"      // Structured log output (default, no external service)
	SinkHTTP     SinkKind = "http"     // POST batches to a webhook collector
	SinkNATS     SinkKind = "nats"     // Publish findings to a NATS subject
	SinkRedis    SinkKind = "redis"    // LPUSH findings onto a Redis list
	SinkPostgres SinkKind = "postgres" // INSERT findings into a Postgres table
)

// DetectConfig tunes the attack pattern engine.
type DetectConfig struct {
	RuleFile         string  // Optional YAML rule file; built-ins are used when empty or unusable
	MaxInputLength   int     // Inputs longer than this raise abuse/excessive_length (default: 50000)
	Base64MinRun     int     // Minimum contiguous base64 run worth decoding (default: 50)
	RepeatThreshold  int     // Token repetitions before abuse/repetition_attack (default: 50)
	EntropyThreshold float64 // Shannon entropy (bits/char) above which long blobs are flagged (default: 5.8)
	EntropyMinLength int     // Minimum length for the entropy check (default: 200)
}

// ClassifyConfig tunes the agent classifier.
type ClassifyConfig struct {
	MaxTimingSamples int           // Rolling timing samples kept per identity (default: 50)
	MaxIdentities    int           // Identities tracked before oldest-half eviction (default: 10000)
	AgentWindowLow   time.Duration // Lower bound of the agent latency window (default: 800ms)
	AgentWindowHigh  time.Duration // Upper bound of the agent latency window (default: 3s)
	MaxAgentStddev   time.Duration // Stddev ceiling for the strong timing signal (default: 500ms)
	MinStrongSamples int           // Samples required for the strong timing signal (default: 5)
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	MaxSessions   int           // Live-session capacity before eviction (default: 10000)
	EvictFraction float64       // Fraction of oldest sessions evicted at capacity (default: 0.10)
	RateLimit     int           // Admissions allowed per identity per window (default: 20)
	RateWindow    time.Duration // Sliding admission window (default: 60s)
	MaxAge        time.Duration // Sessions older than this are swept (default: 1h)
	SweepInterval time.Duration // Age sweep cadence (default: 5m)
}

// ReportConfig tunes the event reporting pipeline.
type ReportConfig struct {
	Sink          SinkKind
	BufferSize    int           // Queued findings before oldest-first dropping (default: 1000)
	DropFraction  float64       // Fraction dropped when the buffer is full (default: 0.10)
	FlushInterval time.Duration // Periodic flush cadence (default: 5s)

	HTTPEndpoint string // Collector URL for SinkHTTP
	HTTPAPIKey   string // Bearer key for SinkHTTP
	NATSURL      string // Server URL for SinkNATS
	NATSSubject  string // Subject prefix for SinkNATS (default: "snare.findings")
	RedisAddr    string // host:port for SinkRedis
	RedisKey     string // List key for SinkRedis (default: "snare:findings")
	PostgresDSN  string // DSN for SinkPostgres
}

// RespondConfig tunes the deceptive response policy.
type RespondConfig struct {
	Personality Personality
	MinLatency  time.Duration // Simulated thinking delay, lower bound (default: 400ms)
	MaxLatency  time.Duration // Simulated thinking delay, upper bound (default: 2200ms)
}

// Config holds all settings for the Snare deception service.
// Everything can be set via SNARE_* environment variables or programmatically.
type Config struct {
	ListenAddr  string  // HTTP listen address (default: ":8080")
	LogLevel    string  // zerolog level name (default: "info")
	LogConsole  bool    // Human-readable console output instead of JSON (default: false)
	InstanceID  string  // Instance scope for canary tokens; random per process when empty
	GlobalRPS   float64 // Whole-service request rate ceiling (default: 200)
	GlobalBurst int     // Burst allowance on top of GlobalRPS (default: 400)

	Detect   DetectConfig
	Classify ClassifyConfig
	Session  SessionConfig
	Report   ReportConfig
	Respond  RespondConfig
}

// NewDefaultConfig creates a Config with sane defaults, overridable via environment.
func NewDefaultConfig() *Config {
	return &Config{
		ListenAddr:  GetEnv("SNARE_LISTEN_ADDR", ":8080"),
		LogLevel:    GetEnv("SNARE_LOG_LEVEL", "info"),
		LogConsole:  GetEnvBool("SNARE_LOG_CONSOLE", false),
		InstanceID:  GetEnv("SNARE_INSTANCE_ID", ""),
		GlobalRPS:   GetEnvFloat("SNARE_GLOBAL_RPS", 200),
		GlobalBurst: GetEnvInt("SNARE_GLOBAL_BURST", 400),

		Detect: DetectConfig{
			RuleFile:         GetEnv("SNARE_RULE_FILE", ""),
			MaxInputLength:   GetEnvInt("SNARE_MAX_INPUT_LENGTH", 50000),
			Base64MinRun:     GetEnvInt("SNARE_BASE64_MIN_RUN", 50),
			RepeatThreshold:  GetEnvInt("SNARE_REPEAT_THRESHOLD", 50),
			EntropyThreshold: GetEnvFloat("SNARE_ENTROPY_THRESHOLD", 5.8),
			EntropyMinLength: GetEnvInt("SNARE_ENTROPY_MIN_LENGTH", 200),
		},
		Classify: ClassifyConfig{
			MaxTimingSamples: GetEnvInt("SNARE_TIMING_SAMPLES", 50),
			MaxIdentities:    GetEnvInt("SNARE_MAX_IDENTITIES", 10000),
			AgentWindowLow:   GetEnvDuration("SNARE_AGENT_WINDOW_LOW", 800*time.Millisecond),
			AgentWindowHigh:  GetEnvDuration("SNARE_AGENT_WINDOW_HIGH", 3*time.Second),
			MaxAgentStddev:   GetEnvDuration("SNARE_AGENT_MAX_STDDEV", 500*time.Millisecond),
			MinStrongSamples: GetEnvInt("SNARE_AGENT_MIN_SAMPLES", 5),
		},
		Session: SessionConfig{
			MaxSessions:   GetEnvInt("SNARE_MAX_SESSIONS", 10000),
			EvictFraction: GetEnvFloat("SNARE_EVICT_FRACTION", 0.10),
			RateLimit:     GetEnvInt("SNARE_RATE_LIMIT", 20),
			RateWindow:    GetEnvDuration("SNARE_RATE_WINDOW", time.Minute),
			MaxAge:        GetEnvDuration("SNARE_SESSION_MAX_AGE", time.Hour),
			SweepInterval: GetEnvDuration("SNARE_SWEEP_INTERVAL", 5*time.Minute),
		},
		Report: ReportConfig{
			Sink:          SinkKind(GetEnv("SNARE_SINK", string(SinkLog))),
			BufferSize:    GetEnvInt("SNARE_REPORT_BUFFER", 1000),
			DropFraction:  GetEnvFloat("SNARE_REPORT_DROP_FRACTION", 0.10),
			FlushInterval: GetEnvDuration("SNARE_FLUSH_INTERVAL", 5*time.Second),
			HTTPEndpoint:  GetEnv("SNARE_SINK_HTTP_URL", ""),
			HTTPAPIKey:    GetEnv("SNARE_SINK_HTTP_KEY", ""),
			NATSURL:       GetEnv("SNARE_SINK_NATS_URL", "nats://127.0.0.1:4222"),
			NATSSubject:   GetEnv("SNARE_SINK_NATS_SUBJECT", "snare.findings"),
			RedisAddr:     GetEnv("SNARE_SINK_REDIS_ADDR", "127.0.0.1:6379"),
			RedisKey:      GetEnv("SNARE_SINK_REDIS_KEY", "snare:findings"),
			PostgresDSN:   GetEnv("SNARE_SINK_PG_DSN", ""),
		},
		Respond: RespondConfig{
			Personality: Personality(GetEnv("SNARE_PERSONALITY", string(PersonalityHelpful))),
			MinLatency:  GetEnvDuration("SNARE_MIN_LATENCY", 400*time.Millisecond),
			MaxLatency:  GetEnvDuration("SNARE_MAX_LATENCY", 2200*time.Millisecond),
		},
	}
}

// NewQuietConfig creates a Config suitable for tests: no simulated latency
// and no external sinks.
func NewQuietConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Respond.MinLatency = 0
	cfg.Respond.MaxLatency = 0
	cfg.Report.Sink = SinkLog
	return cfg
}

// Validate checks cross-field consistency. Misconfiguration that cannot be
// papered over with a default is the only startup-fatal condition.
func (c *Config) Validate() error {
	var problems []string

	switch c.Respond.Personality {
	case PersonalityHelpful, PersonalityCautious, PersonalityTechnical:
	default:
		problems = append(problems, fmt.Sprintf("unknown personality %q", c.Respond.Personality))
	}

	if c.Respond.MinLatency > c.Respond.MaxLatency {
		problems = append(problems, "SNARE_MIN_LATENCY exceeds SNARE_MAX_LATENCY")
	}

	if c.Report.Sink == SinkHTTP && c.Report.HTTPEndpoint == "" {
		problems = append(problems, "SNARE_SINK_HTTP_URL required for the http sink")
	}
	if c.Report.Sink == SinkPostgres && c.Report.PostgresDSN == "" {
		problems = append(problems, "SNARE_SINK_PG_DSN required for the postgres sink")
	}

	if c.Session.EvictFraction <= 0 || c.Session.EvictFraction >= 1 {
		problems = append(problems, "SNARE_EVICT_FRACTION must be in (0,1)")
	}
	if c.Report.DropFraction <= 0 || c.Report.DropFraction >= 1 {
		problems = append(problems, "SNARE_REPORT_DROP_FRACTION must be in (0,1)")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Helper functions for environment variable parsing.
// Exported for use by other packages.

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvDuration returns the duration value of an environment variable or a default value.
// Accepts Go duration syntax ("750ms", "1h") or a bare integer number of seconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
