package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix is prepended to every environment variable, e.g.
// OTTERSCALE_MIRROR_MIRROR_RESOURCES.
const envPrefix = "OTTERSCALE_MIRROR"

// Config wraps a viper instance and exposes typed accessors for every
// option.
type Config struct {
	v *viper.Viper
}

// New loads defaults, the optional config file and the environment.
// A missing config file is not an error.
func New() (*Config, error) {
	return newWithViper(viper.New(), ".", "/etc/otterscale-mirror/")
}

func newWithViper(v *viper.Viper, paths ...string) (*Config, error) {
	// default values
	for _, o := range MirrorOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range LogOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{v: v}, nil
}

// BindFlags registers options on fs and binds each flag to its key so
// that an explicitly set flag overrides every other source.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ConfigFileUsed returns the path of the loaded config file, or "" when
// none was found.
func (c *Config) ConfigFileUsed() string {
	return c.v.ConfigFileUsed()
}

func (c *Config) MirrorAddress() string {
	return c.v.GetString(keyMirrorAddress) // OTTERSCALE_MIRROR_MIRROR_ADDRESS
}

func (c *Config) MirrorAllowedOrigins() []string {
	return c.v.GetStringSlice(keyMirrorAllowedOrigins) // OTTERSCALE_MIRROR_MIRROR_ALLOWED_ORIGINS
}

func (c *Config) MirrorKubeconfig() string {
	return c.v.GetString(keyMirrorKubeconfig) // OTTERSCALE_MIRROR_MIRROR_KUBECONFIG
}

func (c *Config) MirrorResources() []string {
	return c.v.GetStringSlice(keyMirrorResources) // OTTERSCALE_MIRROR_MIRROR_RESOURCES
}

func (c *Config) MirrorNamespace() string {
	return c.v.GetString(keyMirrorNamespace) // OTTERSCALE_MIRROR_MIRROR_NAMESPACE
}

func (c *Config) MirrorLabelSelector() string {
	return c.v.GetString(keyMirrorLabelSelector) // OTTERSCALE_MIRROR_MIRROR_LABEL_SELECTOR
}

func (c *Config) MirrorFieldSelector() string {
	return c.v.GetString(keyMirrorFieldSelector) // OTTERSCALE_MIRROR_MIRROR_FIELD_SELECTOR
}

func (c *Config) MirrorDeleteGracePeriod() time.Duration {
	return c.v.GetDuration(keyMirrorDeleteGracePeriod) // OTTERSCALE_MIRROR_MIRROR_DELETE_GRACE_PERIOD
}

func (c *Config) MirrorWatchTimeout() time.Duration {
	return c.v.GetDuration(keyMirrorWatchTimeout) // OTTERSCALE_MIRROR_MIRROR_WATCH_TIMEOUT
}

func (c *Config) MirrorBackoffBase() time.Duration {
	return c.v.GetDuration(keyMirrorBackoffBase) // OTTERSCALE_MIRROR_MIRROR_BACKOFF_BASE
}

func (c *Config) MirrorBackoffMax() time.Duration {
	return c.v.GetDuration(keyMirrorBackoffMax) // OTTERSCALE_MIRROR_MIRROR_BACKOFF_MAX
}

func (c *Config) LogLevel() string {
	return c.v.GetString(keyLogLevel) // OTTERSCALE_MIRROR_LOG_LEVEL
}

func (c *Config) LogFormat() string {
	return c.v.GetString(keyLogFormat) // OTTERSCALE_MIRROR_LOG_FORMAT
}
