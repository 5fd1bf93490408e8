package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// SetupLogging installs the default slog logger from log.level and
// log.format. When a config file is in use, later edits to log.level
// take effect without a restart.
func (c *Config) SetupLogging(w io.Writer) error {
	level := new(slog.LevelVar)
	if err := setLevel(level, c.LogLevel()); err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(c.LogFormat()) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat())
	}
	slog.SetDefault(slog.New(handler))

	if c.ConfigFileUsed() != "" {
		c.watchLogLevel(level)
	}
	return nil
}

// watchLogLevel reloads level whenever the config file is written.
func (c *Config) watchLogLevel(level *slog.LevelVar) {
	log := slog.Default().With("component", "config")
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		prev := level.Level()
		if err := setLevel(level, c.LogLevel()); err != nil {
			log.Warn("ignoring invalid log level", "file", e.Name, "error", err)
			return
		}
		if level.Level() != prev {
			log.Info("log level changed", "from", prev, "to", level.Level())
		}
	})
	c.v.WatchConfig()
}

func setLevel(level *slog.LevelVar, s string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", s, err)
	}
	level.Set(l)
	return nil
}
