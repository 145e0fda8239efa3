package config

import "time"

// Config is the root wtguard configuration.
type Config struct {
	// Lock configures the repository lock manager.
	Lock LockConfig `mapstructure:"lock" json:"lock"`
	// Oplog configures the operation log.
	Oplog OplogConfig `mapstructure:"oplog" json:"oplog"`
	// State configures the build state tracker.
	State StateConfig `mapstructure:"state" json:"state"`
	// Output configures output settings.
	Output OutputConfig `mapstructure:"output" json:"output"`
	// Metrics configures metrics export.
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// LockConfig configures lock acquisition.
type LockConfig struct {
	// TimeoutSeconds bounds the total time spent waiting for the lock.
	TimeoutSeconds int `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	// StaleAfterSeconds is the age after which an empty lock file is reclaimed.
	StaleAfterSeconds int `mapstructure:"stale_after_seconds" json:"stale_after_seconds"`
	// Advisory prefers OS advisory locking over an exclusive-create lock file.
	Advisory bool `mapstructure:"advisory" json:"advisory"`
	// Path overrides the lock file location.
	Path string `mapstructure:"path" json:"path,omitempty"`
}

// Timeout returns TimeoutSeconds as a duration.
func (c LockConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StaleAfter returns StaleAfterSeconds as a duration.
func (c LockConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// OplogConfig configures the operation log.
type OplogConfig struct {
	// Path overrides the operation log location.
	Path string `mapstructure:"path" json:"path,omitempty"`
	// MaxBytes rotates the log to <path>.1 once exceeded. Zero disables rotation.
	MaxBytes int64 `mapstructure:"max_bytes" json:"max_bytes"`
}

// StateConfig configures the build state file.
type StateConfig struct {
	// Path overrides the build state location.
	Path string `mapstructure:"path" json:"path,omitempty"`
}

// OutputConfig configures output settings.
type OutputConfig struct {
	// Format is the output format (text, json).
	Format string `mapstructure:"format" json:"format"`
	// Color enables colored output.
	Color bool `mapstructure:"color" json:"color"`
	// Verbose streams operation output live and enables debug logging.
	Verbose bool `mapstructure:"verbose" json:"verbose"`
	// LogFile is the path to a log file.
	LogFile string `mapstructure:"log_file" json:"log_file,omitempty"`
	// LogLevel is the log level (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// Textfile, when set, receives the metrics in Prometheus text format on exit.
	Textfile string `mapstructure:"textfile" json:"textfile,omitempty"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace" json:"namespace"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Lock: LockConfig{
			TimeoutSeconds:    30,
			StaleAfterSeconds: 60,
			Advisory:          true,
		},
		Oplog: OplogConfig{
			MaxBytes: 0,
		},
		Output: OutputConfig{
			Format:   "text",
			Color:    true,
			LogLevel: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "wtguard",
		},
	}
}

// ConfigFileNames to search for.
var ConfigFileNames = []string{
	".wtguard",
}

// ConfigFileExtensions supported by Viper.
var ConfigFileExtensions = []string{
	"yaml",
	"yml",
	"json",
	"toml",
}
