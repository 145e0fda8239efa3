package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/wtguard/internal/buildstate"
	"github.com/relicta-tech/wtguard/internal/gitops"
	"github.com/relicta-tech/wtguard/internal/gitrepo"
	"github.com/relicta-tech/wtguard/internal/lock"
	"github.com/relicta-tech/wtguard/internal/oplog"
)

// services wires the core components for one invocation.
type services struct {
	repo    *gitrepo.Inspector
	locks   *lock.Manager
	opLog   *oplog.Log
	runner  *gitops.Runner
	tracker *buildstate.Tracker
}

// paths are the shared resources under the git common directory.
type paths struct {
	Lock  string
	Oplog string
	State string
}

// resolvePaths applies configured overrides on top of the locations derived
// from the repository's common directory.
func resolvePaths(r *gitrepo.Inspector) paths {
	p := paths{
		Lock:  lock.PathFor(r.CommonDir()),
		Oplog: filepath.Join(r.DataDir(), oplog.FileName),
		State: filepath.Join(r.DataDir(), buildstate.FileName),
	}
	if cfg.Lock.Path != "" {
		p.Lock = cfg.Lock.Path
	}
	if cfg.Oplog.Path != "" {
		p.Oplog = cfg.Oplog.Path
	}
	if cfg.State.Path != "" {
		p.State = cfg.State.Path
	}
	return p
}

func newServices(cmd *cobra.Command) (*services, error) {
	if repoErr != nil {
		return nil, repoErr
	}

	p := resolvePaths(repo)

	locks := lock.NewManager(lock.Options{
		Path:       p.Lock,
		Timeout:    cfg.Lock.Timeout(),
		StaleAfter: cfg.Lock.StaleAfter(),
		Advisory:   cfg.Lock.Advisory,
		Logger:     logger,
		Metrics:    recorder(),
	})

	opLog := oplog.New(p.Oplog, oplog.WithMaxBytes(cfg.Oplog.MaxBytes))

	runner := gitops.NewRunner(repo.Root(), locks, opLog,
		gitops.WithLogger(logger),
		gitops.WithMetrics(recorder()),
		gitops.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		gitops.WithVerbose(cfg.Output.Verbose),
	)

	tracker, err := buildstate.NewTracker(p.State, repo, buildstate.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &services{
		repo:    repo,
		locks:   locks,
		opLog:   opLog,
		runner:  runner,
		tracker: tracker,
	}, nil
}
