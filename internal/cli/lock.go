package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/wtguard/internal/lock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the repository lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the repository lock",
	Args:  cobra.NoArgs,
	RunE:  runLockStatus,
}

var lockClearStaleCmd = &cobra.Command{
	Use:   "clear-stale",
	Short: "Remove the lock file if it is stale",
	Long: `Remove the lock file only when it is judged stale: empty and older than
the stale threshold. A lock that is still held is never removed.`,
	Args: cobra.NoArgs,
	RunE: runLockClearStale,
}

func init() {
	lockCmd.AddCommand(lockStatusCmd, lockClearStaleCmd)
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	st, err := svc.locks.Inspect()
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	if outputJSON {
		return p.JSON(st)
	}
	printLockStatus(p, st)
	return nil
}

func printLockStatus(p *printer, st *lock.Status) {
	p.Title("Repository lock")
	p.Field("Path", st.Path)
	p.Field("Mode", st.Mode)
	if !st.Exists {
		p.Field("State", p.styles.Success.Render("free"))
		return
	}

	state := p.styles.Warning.Render("held")
	switch {
	case st.Stale:
		state = p.styles.Error.Render("stale")
	case !st.Held:
		state = p.styles.Success.Render("free")
	}
	p.Field("State", state)
	p.Field("Size", st.Size)
	p.Field("Age", st.Age.Round(time.Second))
	p.Field("Stale after", st.StaleAfter)
}

func runLockClearStale(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	removed, err := svc.locks.ClearStale()
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	if outputJSON {
		return p.JSON(map[string]any{"path": svc.locks.Path(), "removed": removed})
	}
	if removed {
		p.Success("removed stale lock " + svc.locks.Path())
	} else {
		p.Info("no stale lock to remove")
	}
	return nil
}
