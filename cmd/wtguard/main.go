// Package main is the entry point for the wtguard CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relicta-tech/wtguard/internal/cli"
	buildversion "github.com/relicta-tech/wtguard/internal/version"
)

// Version information set by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownTimeout is the maximum time to wait for graceful shutdown. A held
// repository lock is released only after the running git command finishes.
const shutdownTimeout = 30 * time.Second

func main() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cli.SetVersionInfo(buildversion.Resolve(version), commit, date)

	code := run(context.Background(), sigChan, cli.ExecuteContext, cli.Cleanup, os.Stderr, os.Exit)
	os.Exit(code)
}

// run executes the CLI and returns the process exit code. The first signal
// cancels ctx; a second signal, or the shutdown timeout, calls exit(1).
func run(
	ctx context.Context,
	sigChan <-chan os.Signal,
	execute func(context.Context) error,
	cleanup func(),
	stderr io.Writer,
	exit func(int),
) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup

	if sigChan != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sig := <-sigChan:
				fmt.Fprintf(stderr, "\nReceived signal %v, initiating graceful shutdown...\n", sig)
				cancel()
			case <-done:
				return
			}

			shutdownTimer := time.NewTimer(shutdownTimeout)
			defer shutdownTimer.Stop()

			select {
			case <-done:
			case <-shutdownTimer.C:
				fmt.Fprintf(stderr, "\nShutdown timeout (%v) exceeded, forcing exit\n", shutdownTimeout)
				exit(1)
			case sig := <-sigChan:
				fmt.Fprintf(stderr, "\nReceived second signal %v, forcing exit\n", sig)
				exit(1)
			}
		}()
	}

	exitCode := 0
	if err := execute(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(stderr, "Operation canceled")
			exitCode = 130 // Standard exit code for SIGINT
		} else {
			// cobra has SilenceErrors set
			fmt.Fprintf(stderr, "Error: %v\n", err)
			exitCode = cli.ExitCode(err)
		}
	}

	close(done)
	wg.Wait()

	cleanup()
	return exitCode
}
