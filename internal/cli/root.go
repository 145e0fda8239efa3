// Package cli provides the command-line interface for wtguard.
package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/relicta-tech/wtguard/internal/config"
	"github.com/relicta-tech/wtguard/internal/errors"
	"github.com/relicta-tech/wtguard/internal/gitrepo"
	"github.com/relicta-tech/wtguard/internal/observability"
)

var (
	// Version information set by main.
	versionInfo VersionInfo

	// Global flags
	cfgFile     string
	repoPath    string
	verbose     bool
	outputJSON  bool
	noColor     bool
	logLevel    string
	lockTimeout int
	staleAfter  int

	// Global config
	cfg *config.Config

	// Logger
	logger *log.Logger

	// logFile holds the log file handle for cleanup
	logFile *os.File

	// promMetrics is set when metrics.textfile is configured.
	promMetrics *observability.Prom

	// repo is the repository opened during initConfig, if any.
	repo    *gitrepo.Inspector
	repoErr error

	styles = DefaultStyles()
)

// SetVersionInfo sets the version information from main.
func SetVersionInfo(version, commit, date string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.Date = date
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "wtguard",
	Short: "Safe repository operations for concurrent worktree sessions",
	Long: `wtguard serializes repository-mutating git operations across worktree
sessions that share one repository, and checkpoints multi-unit batch runs so
they can resume after a failure.

Every mutation runs under a repository-wide lock stored in the git common
directory and is recorded in an append-only operation log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		return initConfig(cmd)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with a context for graceful shutdown.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		ReportCaller:    false,
	})

	defaults := config.DefaultConfig()
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: .wtguard.yaml in the current directory or repository root)")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "C", "", "path inside the repository (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "stream git output and enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaults.Output.LogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVar(&lockTimeout, "lock-timeout", defaults.Lock.TimeoutSeconds, "seconds to wait for the repository lock")
	rootCmd.PersistentFlags().IntVar(&staleAfter, "stale-after", defaults.Lock.StaleAfterSeconds, "seconds after which an empty lock file is reclaimed")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(stashCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(worktreeCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(oplogCmd)
	rootCmd.AddCommand(batchCmd)
}

// flagOverrides returns config keys for flags given explicitly on the
// command line.
func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	flags := cmd.Flags()
	if flags.Changed("lock-timeout") {
		overrides["lock.timeout_seconds"] = lockTimeout
	}
	if flags.Changed("stale-after") {
		overrides["lock.stale_after_seconds"] = staleAfter
	}
	if flags.Changed("log-level") {
		overrides["output.log_level"] = logLevel
	}
	if flags.Changed("verbose") {
		overrides["output.verbose"] = verbose
	}
	if flags.Changed("no-color") {
		overrides["output.color"] = !noColor
	}
	if flags.Changed("json") && outputJSON {
		overrides["output.format"] = "json"
	}
	return overrides
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(cmd *cobra.Command) error {
	loader := config.NewLoader()

	if cfgFile != "" {
		loader.WithConfigPath(cfgFile)
	}
	if repo != nil {
		loader.WithSearchPaths(repo.Root())
	}
	loader.MergeConfig(flagOverrides(cmd))

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.NewValidator().WithWarningWriter(cmd.ErrOrStderr()).Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// applyGlobalFlags applies settings that affect the whole process.
func applyGlobalFlags() {
	if cfg.Output.Format == "json" {
		outputJSON = true
	}
	if !cfg.Output.Color || noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// configureLoggerFormat configures the logger format based on settings.
func configureLoggerFormat() {
	if outputJSON {
		logger.SetFormatter(log.JSONFormatter)
		logger.SetReportTimestamp(true)
	} else {
		logger.SetFormatter(log.TextFormatter)
	}
}

// configureLogLevel sets the logger level based on configuration.
func configureLogLevel() {
	switch cfg.Output.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	if cfg.Output.Verbose {
		logger.SetLevel(log.DebugLevel)
	}
}

// configureLogFile sets up log file output if specified.
func configureLogFile() error {
	if cfg.Output.LogFile == "" {
		return nil
	}

	var err error
	logFile, err = os.OpenFile(cfg.Output.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(logFile)
	return nil
}

// configureMetrics creates the Prometheus recorder when a textfile is set.
func configureMetrics() {
	promMetrics = nil
	if cfg.Metrics.Textfile != "" {
		promMetrics = observability.NewProm(cfg.Metrics.Namespace)
	}
}

// recorder returns the active metrics recorder.
func recorder() observability.Recorder {
	if promMetrics == nil {
		return observability.Noop{}
	}
	return promMetrics
}

// initConfig opens the repository and reads config files, ENV variables and flags.
func initConfig(cmd *cobra.Command) error {
	repo, repoErr = gitrepo.Open(repoDir())

	if err := loadAndValidateConfig(cmd); err != nil {
		return err
	}

	applyGlobalFlags()
	configureLoggerFormat()
	configureLogLevel()
	configureMetrics()

	return configureLogFile()
}

func repoDir() string {
	if repoPath != "" {
		return repoPath
	}
	return "."
}

// Cleanup flushes metrics and closes any open resources. Should be called
// before program exit.
func Cleanup() {
	if promMetrics != nil && cfg != nil && cfg.Metrics.Textfile != "" {
		if err := promMetrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("failed to write metrics textfile", "path", cfg.Metrics.Textfile, "err", err)
		}
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// ExitError carries a specific process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch errors.GetCode(err) {
	case errors.CodeLockTimeout, errors.CodeRunActive:
		return 75
	case errors.CodeLockResourceUnwritable:
		return 77
	}
	return 1
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "wtguard %s\n", versionInfo.Version)
		if verbose {
			fmt.Fprintf(out, "  commit: %s\n", versionInfo.Commit)
			fmt.Fprintf(out, "  built:  %s\n", versionInfo.Date)
		}
	},
}
