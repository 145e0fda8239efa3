// Package config provides configuration management for wtguard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/relicta-tech/wtguard/internal/errors"
)

// EnvPrefix is the prefix of environment variables that override settings,
// e.g. WTGUARD_LOCK_TIMEOUT_SECONDS.
const EnvPrefix = "WTGUARD"

var (
	// envVarPattern matches ${VAR} or ${VAR:-default} syntax
	envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)
	// simpleEnvVarPattern matches $VAR syntax
	simpleEnvVarPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// Loader handles configuration loading and merging.
type Loader struct {
	v           *viper.Viper
	configPath  string
	searchPaths []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:           v,
		searchPaths: []string{"."},
	}
}

// WithConfigPath sets an explicit config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithSearchPaths adds directories to search for config files.
func (l *Loader) WithSearchPaths(paths ...string) *Loader {
	l.searchPaths = append(l.searchPaths, paths...)
	return l
}

// Load loads the configuration. Precedence, highest first: values set with
// MergeConfig, environment, config file, defaults.
func (l *Loader) Load() (*Config, error) {
	const op = "config.Load"

	l.setDefaults()

	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); os.IsNotExist(err) {
			return nil, errors.Config(op, fmt.Sprintf("config file %s does not exist", l.configPath))
		}
	}

	if err := l.loadConfigFile(); err != nil {
		return nil, errors.ConfigWrap(err, op, "failed to load config file")
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.ConfigWrap(err, op, "failed to unmarshal config")
	}

	l.expandEnvVars(cfg)

	return cfg, nil
}

// setDefaults registers every key so environment overrides are picked up
// by Unmarshal.
func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("lock.timeout_seconds", defaults.Lock.TimeoutSeconds)
	l.v.SetDefault("lock.stale_after_seconds", defaults.Lock.StaleAfterSeconds)
	l.v.SetDefault("lock.advisory", defaults.Lock.Advisory)
	l.v.SetDefault("lock.path", defaults.Lock.Path)

	l.v.SetDefault("oplog.path", defaults.Oplog.Path)
	l.v.SetDefault("oplog.max_bytes", defaults.Oplog.MaxBytes)

	l.v.SetDefault("state.path", defaults.State.Path)

	l.v.SetDefault("output.format", defaults.Output.Format)
	l.v.SetDefault("output.color", defaults.Output.Color)
	l.v.SetDefault("output.verbose", defaults.Output.Verbose)
	l.v.SetDefault("output.log_file", defaults.Output.LogFile)
	l.v.SetDefault("output.log_level", defaults.Output.LogLevel)

	l.v.SetDefault("metrics.textfile", defaults.Metrics.Textfile)
	l.v.SetDefault("metrics.namespace", defaults.Metrics.Namespace)
}

// loadConfigFile loads the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", l.configPath, err)
		}
		return nil
	}

	configFile, err := FindConfigFile(l.searchPaths...)
	if err != nil {
		// No config file found - defaults apply
		return nil
	}
	l.v.SetConfigFile(configFile)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", configFile, err)
	}
	return nil
}

// expandEnvVars expands environment variables in path settings.
func (l *Loader) expandEnvVars(cfg *Config) {
	cfg.Lock.Path = expandEnvVar(cfg.Lock.Path)
	cfg.Oplog.Path = expandEnvVar(cfg.Oplog.Path)
	cfg.State.Path = expandEnvVar(cfg.State.Path)
	cfg.Output.LogFile = expandEnvVar(cfg.Output.LogFile)
	cfg.Metrics.Textfile = expandEnvVar(cfg.Metrics.Textfile)
}

// expandEnvVar expands ${VAR}, ${VAR:-default} and $VAR references.
func expandEnvVar(s string) string {
	if s == "" || !strings.Contains(s, "$") {
		return s
	}

	s = envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(parts[1]); ok && value != "" {
			return value
		}
		return parts[2]
	})

	return simpleEnvVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[1:])
	})
}

// GetConfigPath returns the path to the loaded config file, if any.
func (l *Loader) GetConfigPath() string {
	return l.v.ConfigFileUsed()
}

// MergeConfig overrides individual keys, typically from command-line flags.
func (l *Loader) MergeConfig(values map[string]any) {
	for key, value := range values {
		l.v.Set(key, value)
	}
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// FindConfigFile searches for a config file and returns its path.
func FindConfigFile(searchPaths ...string) (string, error) {
	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}

	for _, searchPath := range searchPaths {
		for _, name := range ConfigFileNames {
			for _, ext := range ConfigFileExtensions {
				configFile := filepath.Join(searchPath, name+"."+ext)
				if _, err := os.Stat(configFile); err == nil {
					return configFile, nil
				}
			}
		}
	}

	return "", errors.New(errors.KindNotFound, "no config file found")
}
