package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/relicta-tech/wtguard/internal/errors"
)

// minRotationBytes is the smallest max_bytes that does not rotate on nearly
// every append.
const minRotationBytes = 4096

// ValidationError contains all validation errors and warnings.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var parts []string

	if len(e.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Errors:\n  - %s", strings.Join(e.Errors, "\n  - ")))
	}

	if len(e.Warnings) > 0 {
		parts = append(parts, fmt.Sprintf("Warnings:\n  - %s", strings.Join(e.Warnings, "\n  - ")))
	}

	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(parts, "\n"))
}

// HasErrors returns true if there are validation errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// HasWarnings returns true if there are validation warnings.
func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Addf adds a formatted error to the validation error.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// Warnf adds a formatted warning to the validation error.
func (e *ValidationError) Warnf(format string, args ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

// Validator validates configuration.
type Validator struct {
	errors *ValidationError
	warnTo io.Writer
}

// NewValidator creates a new configuration validator that prints warnings
// to stderr.
func NewValidator() *Validator {
	return &Validator{
		errors: &ValidationError{},
		warnTo: os.Stderr,
	}
}

// WithWarningWriter redirects warnings; nil discards them.
func (v *Validator) WithWarningWriter(w io.Writer) *Validator {
	if w == nil {
		w = io.Discard
	}
	v.warnTo = w
	return v
}

// Result returns the collected errors and warnings.
func (v *Validator) Result() *ValidationError {
	return v.errors
}

// Validate validates the configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLock(cfg.Lock)
	v.validateOplog(cfg.Oplog)
	v.validateState(cfg.State, cfg.Oplog)
	v.validateOutput(cfg.Output)
	v.validateMetrics(cfg.Metrics)

	if v.errors.HasWarnings() {
		fmt.Fprintf(v.warnTo, "\nConfiguration warnings:\n")
		for _, warning := range v.errors.Warnings {
			fmt.Fprintf(v.warnTo, "  - %s\n", warning)
		}
		fmt.Fprintf(v.warnTo, "\n")
	}

	if v.errors.HasErrors() {
		return errors.Validation("config.Validate", v.errors.Error())
	}

	return nil
}

func (v *Validator) validateLock(cfg LockConfig) {
	if cfg.TimeoutSeconds <= 0 {
		v.errors.Addf("lock.timeout_seconds: must be positive, got %d", cfg.TimeoutSeconds)
	}
	if cfg.StaleAfterSeconds <= 0 {
		v.errors.Addf("lock.stale_after_seconds: must be positive, got %d", cfg.StaleAfterSeconds)
	}
	if cfg.StaleAfterSeconds > 0 && cfg.StaleAfterSeconds < 5 {
		v.errors.Warnf("lock.stale_after_seconds: %d may reclaim a lock that is still being created", cfg.StaleAfterSeconds)
	}
}

func (v *Validator) validateOplog(cfg OplogConfig) {
	if cfg.MaxBytes < 0 {
		v.errors.Addf("oplog.max_bytes: must not be negative, got %d", cfg.MaxBytes)
	}
	if cfg.MaxBytes > 0 && cfg.MaxBytes < minRotationBytes {
		v.errors.Warnf("oplog.max_bytes: %d rotates very often; consider at least %d", cfg.MaxBytes, minRotationBytes)
	}
}

func (v *Validator) validateState(cfg StateConfig, oplog OplogConfig) {
	if cfg.Path == "" || oplog.Path == "" {
		return
	}
	if filepath.Clean(cfg.Path) == filepath.Clean(oplog.Path) {
		v.errors.Addf("state.path: must differ from oplog.path (%s)", cfg.Path)
	}
}

func (v *Validator) validateOutput(cfg OutputConfig) {
	validFormats := []string{"text", "json"}
	if !slices.Contains(validFormats, cfg.Format) {
		v.errors.Addf("output.format: must be one of %v, got %q", validFormats, cfg.Format)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, cfg.LogLevel) {
		v.errors.Addf("output.log_level: must be one of %v, got %q", validLevels, cfg.LogLevel)
	}

	if cfg.LogFile != "" {
		if _, err := os.Stat(filepath.Dir(cfg.LogFile)); os.IsNotExist(err) {
			v.errors.Addf("output.log_file: directory does not exist: %s", filepath.Dir(cfg.LogFile))
		}
	}
}

func (v *Validator) validateMetrics(cfg MetricsConfig) {
	if cfg.Textfile != "" {
		if _, err := os.Stat(filepath.Dir(cfg.Textfile)); os.IsNotExist(err) {
			v.errors.Warnf("metrics.textfile: directory does not exist: %s", filepath.Dir(cfg.Textfile))
		}
		if cfg.Namespace == "" {
			v.errors.Warnf("metrics.namespace: empty namespace exports unprefixed metric names")
		}
	}
}

// Validate validates the configuration, printing warnings to stderr.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
