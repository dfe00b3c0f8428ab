package logx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultFilePath      = "./logs/isolab.log"
	defaultMaxSizeMB     = 50
	defaultMaxBackups    = 5
	defaultMaxAgeDays    = 14
	envLogLevel          = "LOG_LEVEL"
	envLogFormat         = "LOG_FORMAT"
	envLogOutput         = "LOG_OUTPUT"
	envLogFilePath       = "LOG_FILE_PATH"
	envLogFileMaxSizeMB  = "LOG_FILE_MAX_SIZE_MB"
	envLogFileMaxBackups = "LOG_FILE_MAX_BACKUPS"
	envLogFileMaxAgeDays = "LOG_FILE_MAX_AGE_DAYS"
)

// Profile holds the defaults a binary mode starts from before the
// environment is applied.
type Profile struct {
	Level  string
	Format string
	Output string
}

var (
	// CLIProfile keeps stdout free for command output.
	CLIProfile = Profile{Level: "warn", Format: "text", Output: "stderr"}
	// DaemonProfile is used by long-running servers (proxy, status API).
	DaemonProfile = Profile{Level: "info", Format: "json", Output: "stdout"}
)

type Config struct {
	Level       slog.Level
	Format      string
	Output      string
	FilePath    string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
	ServiceName string
}

func LoadConfig(serviceName string, p Profile) Config {
	return Config{
		Level:       parseLevel(getenv(envLogLevel, p.Level)),
		Format:      normalizeFormat(getenv(envLogFormat, p.Format), p.Format),
		Output:      normalizeOutput(getenv(envLogOutput, p.Output), p.Output),
		FilePath:    getenv(envLogFilePath, defaultFilePath),
		MaxSizeMB:   getenvInt(envLogFileMaxSizeMB, defaultMaxSizeMB),
		MaxBackups:  getenvInt(envLogFileMaxBackups, defaultMaxBackups),
		MaxAgeDays:  getenvInt(envLogFileMaxAgeDays, defaultMaxAgeDays),
		Compress:    true,
		ServiceName: serviceName,
	}
}

// Init builds the process logger, installs it as the slog default and
// returns a closer for any rotating file writer.
func Init(serviceName string, p Profile) (*slog.Logger, func() error, error) {
	cfg := LoadConfig(serviceName, p)
	writer, closer, err := buildWriter(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(buildHandler(cfg, writer)).With("service", cfg.ServiceName)
	slog.SetDefault(logger)
	return logger, closer, nil
}

func buildHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "text" {
		return slog.NewTextHandler(writer, options)
	}
	return slog.NewJSONHandler(writer, options)
}

func buildWriter(cfg Config) (io.Writer, func() error, error) {
	var writers []io.Writer
	var closers []io.Closer

	for _, target := range strings.Split(cfg.Output, ",") {
		switch target {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		case "file":
			if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
				return nil, nil, err
			}
			rotator := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}
			writers = append(writers, rotator)
			closers = append(closers, rotator)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	closeFn := func() error {
		var lastErr error
		for _, c := range closers {
			if err := c.Close(); err != nil {
				lastErr = err
			}
		}
		return lastErr
	}

	if len(writers) == 1 {
		return writers[0], closeFn, nil
	}
	return io.MultiWriter(writers...), closeFn, nil
}

func normalizeFormat(v, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "text":
		return "text"
	case "json":
		return "json"
	default:
		return fallback
	}
}

func normalizeOutput(v, fallback string) string {
	var parts []string
	for _, p := range strings.Split(strings.ToLower(v), ",") {
		p = strings.TrimSpace(p)
		switch p {
		case "stdout", "stderr", "file":
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, ",")
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
