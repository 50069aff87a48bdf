package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix         = "EDGETEL"
	DefaultLogLevel          = string(LogLevelInfo)
	DefaultHTTPAddress       = ":9464"
	DefaultDispatchQueueSize = 1024
	DefaultListenerQueueSize = 4096
	DefaultFetchTimeout      = 30 * time.Second
	DefaultSendTimeout       = 10 * time.Second
	DefaultMaxMessageSize    = 64 * 1024
	DefaultDotEnv            = ".env"
	configName               = "edgetel"
	configType               = "toml"
)

type Config struct {
	Declaration       string        `mapstructure:"declaration"`
	LogLevel          string        `mapstructure:"log_level"`
	Debug             bool          `mapstructure:"debug"`
	Verbose           bool          `mapstructure:"verbose"`
	HTTPAddress       string        `mapstructure:"http_address"`
	DispatchQueueSize int           `mapstructure:"dispatch_queue_size"`
	ListenerQueueSize int           `mapstructure:"listener_queue_size"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	MaxMessageSize    int           `mapstructure:"max_message_size"`
	PidFile           string        `mapstructure:"pid_file"`
	Watch             bool          `mapstructure:"watch"`
}

// Load reads configuration from flags, environment, an optional .env file
// and the config file. Flags take precedence over the environment, which
// takes precedence over the file.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envPrefix:  DefaultEnvPrefix,
		dotEnvPath: DefaultDotEnv,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	if o.dotEnvPath != "" {
		if err := godotenv.Load(o.dotEnvPath); err != nil && !os.IsNotExist(err) {
			return nil, errFactory.Wrapf(errors.ErrReadConfig, err, "Failed to read env file %s", o.dotEnvPath)
		}
	}

	v := viper.New()
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, fs, o); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("edgetel", pflag.ContinueOnError)

	fs.String("config", "", "Path to the configuration file")
	fs.String("declaration", "", "Path to the namespace declaration (YAML or JSON)")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.String("http-address", DefaultHTTPAddress, "Address for the pull and metrics endpoint, empty to disable")
	fs.Int("dispatch-queue-size", DefaultDispatchQueueSize, "Per-sink delivery queue size")
	fs.Int("listener-queue-size", DefaultListenerQueueSize, "Per-listener ingestion queue size")
	fs.Duration("fetch-timeout", DefaultFetchTimeout, "Timeout for a single poller fetch")
	fs.Duration("send-timeout", DefaultSendTimeout, "Timeout for a single sink delivery")
	fs.Int("max-message-size", DefaultMaxMessageSize, "Maximum listener message size in bytes")
	fs.String("pid-file", filepath.Join(os.TempDir(), "edgetel.pid"), "Path to the PID file")
	fs.Bool("watch", false, "Reload the declaration when the file changes")

	return fs
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	errFactory := errors.New()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = errFactory.Wrapf(errors.ErrBindFlags, err, "bind flag %s", f.Name)
		}
	})

	return bindErr
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet, o *options) error {
	errFactory := errors.New()

	path := o.configPath
	if flagPath, err := fs.GetString("config"); err == nil && flagPath != "" {
		path = flagPath
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrapf(errors.ErrReadConfig, err, "Failed to read config file %s", path)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath("/etc/edgetel")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithMessagef(errors.ErrInvalidLogLevel, "invalid_log_level: %q", c.LogLevel)
	}
	if c.DispatchQueueSize <= 0 {
		return errFactory.WithMessagef(errors.ErrInvalidConfig, "dispatch_queue_size must be positive, got %d", c.DispatchQueueSize)
	}
	if c.ListenerQueueSize <= 0 {
		return errFactory.WithMessagef(errors.ErrInvalidConfig, "listener_queue_size must be positive, got %d", c.ListenerQueueSize)
	}
	if c.MaxMessageSize <= 0 {
		return errFactory.WithMessagef(errors.ErrInvalidConfig, "max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	if c.FetchTimeout <= 0 {
		return errFactory.WithMessagef(errors.ErrInvalidConfig, "fetch_timeout must be positive, got %s", c.FetchTimeout)
	}
	if c.SendTimeout <= 0 {
		return errFactory.WithMessagef(errors.ErrInvalidConfig, "send_timeout must be positive, got %s", c.SendTimeout)
	}

	return nil
}

// EffectiveLogLevel resolves the debug and verbose switches against log_level
func (c *Config) EffectiveLogLevel() string {
	switch {
	case c.Debug:
		return string(LogLevelDebug)
	case c.Verbose && c.LogLevel != string(LogLevelDebug):
		return string(LogLevelInfo)
	default:
		return c.LogLevel
	}
}
