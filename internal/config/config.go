package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default address the fabric listens on.
	DefaultAddr = ":43127"
	// DefaultAdminAddr is the default address the admin/debug HTTP surface listens on.
	DefaultAdminAddr = ":43128"
	// DefaultTransport selects the byte-channel implementation used for new connections.
	DefaultTransport = "tcp"
	// DefaultPingInterval is the default Config.PingInterval. The WebSocket transport does not
	// read it; its keepalive runs on its own fixed interval.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxFrameBytes is the default Config.MaxFrameBytes. The transports do not read it;
	// inbound frame size is not bounded by this value.
	DefaultMaxFrameBytes uint32 = 1 << 20
	// DefaultMaxClients bounds concurrent sessions. Zero disables the limit.
	DefaultMaxClients = 256
	// DefaultBandwidthBytesPerSecond caps per-session outbound throughput.
	DefaultBandwidthBytesPerSecond = 48000.0 / 8.0

	// DefaultTraceDumpWindow bounds how frequently an on-demand trace dump may be requested.
	DefaultTraceDumpWindow = time.Minute
	// DefaultTraceDumpBurst sets how many trace dump requests may be made per window.
	DefaultTraceDumpBurst = 1
	// DefaultTraceMaxRuns bounds how many recorded trace runs are retained on disk.
	DefaultTraceMaxRuns = 50
	// DefaultTraceMaxAge bounds how long a recorded trace run is retained on disk.
	DefaultTraceMaxAge = 7 * 24 * time.Hour

	// DefaultLogLevel controls verbosity for fabric logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "fabric.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the fabric service.
type Config struct {
	Address               string
	AdminAddress          string
	Transport             string
	AllowedOrigins        []string
	MaxFrameBytes         uint32
	PingInterval          time.Duration
	MaxClients            int
	BandwidthBytesPerSec  float64
	TLSCertPath           string
	TLSKeyPath            string
	AdminToken            string
	HandshakeSecret       string
	TraceDir              string
	TraceDumpWindow       time.Duration
	TraceDumpBurst        int
	TraceMaxRuns          int
	TraceMaxAge           time.Duration
	Logging               LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the fabric configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:              getString("FABRIC_ADDR", DefaultAddr),
		AdminAddress:         getString("FABRIC_ADMIN_ADDR", DefaultAdminAddr),
		Transport:             strings.ToLower(getString("FABRIC_TRANSPORT", DefaultTransport)),
		AllowedOrigins:       parseList(os.Getenv("FABRIC_ALLOWED_ORIGINS")),
		MaxFrameBytes:        DefaultMaxFrameBytes,
		PingInterval:         DefaultPingInterval,
		MaxClients:           DefaultMaxClients,
		BandwidthBytesPerSec: DefaultBandwidthBytesPerSecond,
		TLSCertPath:          strings.TrimSpace(os.Getenv("FABRIC_TLS_CERT")),
		TLSKeyPath:           strings.TrimSpace(os.Getenv("FABRIC_TLS_KEY")),
		AdminToken:           strings.TrimSpace(os.Getenv("FABRIC_ADMIN_TOKEN")),
		HandshakeSecret:      strings.TrimSpace(os.Getenv("FABRIC_HANDSHAKE_SECRET")),
		TraceDir:             strings.TrimSpace(getString("FABRIC_TRACE_DIR", "traces")),
		TraceDumpWindow:      DefaultTraceDumpWindow,
		TraceDumpBurst:       DefaultTraceDumpBurst,
		TraceMaxRuns:         DefaultTraceMaxRuns,
		TraceMaxAge:          DefaultTraceMaxAge,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("FABRIC_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("FABRIC_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("FABRIC_MAX_FRAME_BYTES")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || value == 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_MAX_FRAME_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxFrameBytes = uint32(value)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_BANDWIDTH_BPS")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_BANDWIDTH_BPS must be a positive number, got %q", raw))
		} else {
			cfg.BandwidthBytesPerSec = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_TRACE_DUMP_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_TRACE_DUMP_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.TraceDumpWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_TRACE_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_TRACE_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.TraceDumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_TRACE_MAX_RUNS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_TRACE_MAX_RUNS must be a non-negative integer, got %q", raw))
		} else {
			cfg.TraceMaxRuns = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_TRACE_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_TRACE_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.TraceMaxAge = duration
		}
	}

	switch cfg.Transport {
	case "tcp", "ws":
	default:
		problems = append(problems, fmt.Sprintf("FABRIC_TRANSPORT must be \"tcp\" or \"ws\", got %q", cfg.Transport))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "FABRIC_TLS_CERT and FABRIC_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
