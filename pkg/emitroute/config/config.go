package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
	"github.com/randalmurphal/emitroute/pkg/emitroute/topic"
)

// Journal drivers.
const (
	JournalNone   = "none"
	JournalMemory = "memory"
	JournalSQLite = "sqlite"
)

// Config is the typed configuration document.
type Config struct {
	Broker          string        `yaml:"broker" json:"broker"`
	ClientID        string        `yaml:"client_id" json:"client_id"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	DefaultKey      string        `yaml:"default_key" json:"default_key"`
	RequestTimeout  Duration      `yaml:"request_timeout" json:"request_timeout"`
	ConnectTimeout  Duration      `yaml:"connect_timeout" json:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts" json:"connect_attempts"`
	MatchPolicy     string        `yaml:"match_policy" json:"match_policy"`
	Journal         JournalConfig `yaml:"journal" json:"journal"`
	Log             LogConfig     `yaml:"log" json:"log"`
}

// JournalConfig selects where error-channel notifications are recorded.
type JournalConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
}

// LogConfig configures the slog logger built by Config.Logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() Config {
	return Config{
		Broker:          "tcp://localhost:8080",
		RequestTimeout:  Duration(5 * time.Second),
		ConnectTimeout:  Duration(10 * time.Second),
		ConnectAttempts: 3,
		MatchPolicy:     "exact",
		Journal:         JournalConfig{Driver: JournalNone},
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// Validate reports the first invalid field as a ConfigurationError.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Broker) == "" {
		return &emerrors.ConfigurationError{Field: "broker", Message: "must not be empty"}
	}
	if c.RequestTimeout <= 0 {
		return &emerrors.ConfigurationError{Field: "request_timeout", Message: "must be positive"}
	}
	if c.ConnectTimeout < 0 {
		return &emerrors.ConfigurationError{Field: "connect_timeout", Message: "must not be negative"}
	}
	if c.ConnectAttempts < 0 {
		return &emerrors.ConfigurationError{Field: "connect_attempts", Message: "must not be negative"}
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	switch c.Journal.Driver {
	case "", JournalNone, JournalMemory:
	case JournalSQLite:
		if c.Journal.Path == "" {
			return &emerrors.ConfigurationError{Field: "journal.path", Message: "required for sqlite driver"}
		}
	default:
		return &emerrors.ConfigurationError{
			Field:   "journal.driver",
			Message: fmt.Sprintf("unknown driver %q", c.Journal.Driver),
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return &emerrors.ConfigurationError{
			Field:   "log.format",
			Message: fmt.Sprintf("unknown format %q", c.Log.Format),
		}
	}
	return nil
}

// Policy converts MatchPolicy into a trie policy.
func (c Config) Policy() (topic.Policy, error) {
	switch strings.ToLower(c.MatchPolicy) {
	case "", "exact":
		return topic.PolicyExact, nil
	case "prefix":
		return topic.PolicyPrefix, nil
	default:
		return topic.PolicyExact, &emerrors.ConfigurationError{
			Field:   "match_policy",
			Message: fmt.Sprintf("unknown policy %q", c.MatchPolicy),
		}
	}
}

// Logger builds a slog logger writing to stderr from the log section.
// Unknown levels fall back to info.
func (c Config) Logger() *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, &emerrors.ConfigurationError{
		Field:   "log.level",
		Message: fmt.Sprintf("unknown level %q", s),
	}
}

// Duration is a time.Duration that decodes from a duration string or a
// number of seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) set(raw any) error {
	switch val := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(val * float64(time.Second))
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	case int64:
		*d = Duration(time.Duration(val) * time.Second)
	case nil:
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}
