package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultMaxUploadBytes  = 8 * 1024 * 1024
	DefaultDownloadDelayMS = 800
	DefaultPort            = 3000
	DefaultStatsSchedule   = "@every 15m"
)

// ErrMissingRequired reports a required setting that was not provided.
var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	Log     LogConfig     `toml:"log" yaml:"log"`
	Discord DiscordConfig `toml:"discord" yaml:"discord"`
	Mirror  MirrorConfig  `toml:"mirror" yaml:"mirror"`
	Health  HealthConfig  `toml:"health" yaml:"health"`
	Stats   StatsConfig   `toml:"stats" yaml:"stats"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

type DiscordConfig struct {
	Token string `toml:"token" yaml:"token" validate:"required"`
}

type MirrorConfig struct {
	SourceChannelIDs   []string `toml:"source_channel_ids" yaml:"source_channel_ids"`
	TargetChannelID    string   `toml:"target_channel_id" yaml:"target_channel_id" validate:"required"`
	MaxUploadBytes     int64    `toml:"max_upload_bytes" yaml:"max_upload_bytes" validate:"gt=0"`
	DownloadDelayMS    int      `toml:"download_delay_ms" yaml:"download_delay_ms" validate:"gte=0"`
	FetchTimeoutMS     int      `toml:"fetch_timeout_ms" yaml:"fetch_timeout_ms" validate:"gte=0"`
	SkipUnchangedEdits bool     `toml:"skip_unchanged_edits" yaml:"skip_unchanged_edits"`
}

type HealthConfig struct {
	Port int `toml:"port" yaml:"port" validate:"gt=0,lte=65535"`
}

type StatsConfig struct {
	Schedule string `toml:"schedule" yaml:"schedule"`
}

func (c MirrorConfig) DownloadDelay() time.Duration {
	return time.Duration(c.DownloadDelayMS) * time.Millisecond
}

func (c MirrorConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMS) * time.Millisecond
}

func (c HealthConfig) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Mirror: MirrorConfig{
			MaxUploadBytes:  DefaultMaxUploadBytes,
			DownloadDelayMS: DefaultDownloadDelayMS,
		},
		Health: HealthConfig{
			Port: DefaultPort,
		},
		Stats: StatsConfig{
			Schedule: DefaultStatsSchedule,
		},
	}
}

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the optional config file at path, applies environment overrides
// from lookup and validates the result. A missing file is not an error.
func Load(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if path == "" {
		path = DefaultConfigPath
	}
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	if v := get("DISCORD_TOKEN"); v != "" {
		cfg.Discord.Token = v
	}
	if v := get("SOURCE_CHANNEL_IDS"); v != "" {
		cfg.Mirror.SourceChannelIDs = SplitList(v)
	}
	if v := get("TARGET_CHANNEL_ID"); v != "" {
		cfg.Mirror.TargetChannelID = v
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	// An explicitly empty schedule disables the report.
	if v, ok := lookup("STATS_SCHEDULE"); ok {
		cfg.Stats.Schedule = strings.TrimSpace(v)
	}

	ints := []struct {
		key string
		set func(int64)
	}{
		{key: "MAX_UPLOAD_BYTES", set: func(n int64) { cfg.Mirror.MaxUploadBytes = n }},
		{key: "DOWNLOAD_DELAY_MS", set: func(n int64) { cfg.Mirror.DownloadDelayMS = int(n) }},
		{key: "FETCH_TIMEOUT_MS", set: func(n int64) { cfg.Mirror.FetchTimeoutMS = int(n) }},
		{key: "PORT", set: func(n int64) { cfg.Health.Port = int(n) }},
	}
	for _, item := range ints {
		raw := get(item.key)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", item.key, err)
		}
		item.set(n)
	}

	if raw := get("SKIP_UNCHANGED_EDITS"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse SKIP_UNCHANGED_EDITS: %w", err)
		}
		cfg.Mirror.SkipUnchangedEdits = b
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required values and ranges.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	missing := make([]string, 0)
	invalid := make([]string, 0)
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Namespace())
			continue
		}
		invalid = append(invalid, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
}
