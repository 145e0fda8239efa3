package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/relicta-tech/wtguard/internal/buildstate"
	"github.com/relicta-tech/wtguard/internal/errors"
)

var (
	stateOutput     string
	stateClearForce bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or discard the batch build state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the build state record",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check whether the build state can be resumed",
	Long: `Check the build state record. Exits non-zero when the record is corrupted
or stale, that is when its integration branch no longer exists.`,
	Args: cobra.NoArgs,
	RunE: runStateValidate,
}

var stateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard the build state record",
	Long: `Discard the build state record. Corrupted and stale records are removed
directly; a resumable record requires --force.`,
	Args: cobra.NoArgs,
	RunE: runStateClear,
}

func init() {
	stateShowCmd.Flags().StringVarP(&stateOutput, "output", "o", "", "output format (text, json, yaml, toml)")
	stateClearCmd.Flags().BoolVarP(&stateClearForce, "force", "f", false, "discard a resumable record")
	stateCmd.AddCommand(stateShowCmd, stateValidateCmd, stateClearCmd)
}

// stateView is the structured rendering of an inspection.
type stateView struct {
	Status    buildstate.Status  `json:"status" yaml:"status" toml:"status"`
	Phase     buildstate.Phase   `json:"phase" yaml:"phase" toml:"phase"`
	Path      string             `json:"path" yaml:"path" toml:"path"`
	Error     string             `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty" yaml:"error_kind,omitempty" toml:"error_kind,omitempty"`
	Record    *buildstate.Record `json:"record,omitempty" yaml:"record,omitempty" toml:"record,omitempty"`
}

func newStateView(path string, insp *buildstate.Inspection) stateView {
	v := stateView{Status: insp.Status, Phase: insp.Record.Phase(), Path: path, Record: insp.Record}
	if insp.Err != nil {
		v.Error = errors.RedactSensitive(insp.Err.Error())
		v.ErrorKind = errors.GetKind(insp.Err).String()
	}
	return v
}

// phaseLabel renders a phase for people, e.g. "In Progress".
func phaseLabel(p buildstate.Phase) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(p), "_", " "))
}

// renderState writes the view in the requested format.
func renderState(w io.Writer, v stateView, format string) error {
	switch format {
	case "json":
		p := newPrinter(w)
		return p.JSON(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(v)
	case "text", "":
		printStateText(newPrinter(w), v)
		return nil
	default:
		return errors.Validation("cli.state", fmt.Sprintf("unknown output format %q (want text, json, yaml or toml)", format))
	}
}

func printStateText(p *printer, v stateView) {
	p.Title("Build state")
	p.Field("Path", v.Path)
	p.Field("Status", v.Status)

	if v.Record == nil {
		if v.Error != "" {
			p.Error(v.Error)
		}
		return
	}

	rec := v.Record
	p.Field("Phase", phaseLabel(v.Phase))
	p.Field("Run", rec.RunID)
	p.Field("Integration branch", rec.IntegrationBranch)
	p.Field("Created", rec.Timestamp.Local().Format(time.DateTime))
	p.Field("Updated", rec.UpdatedAt.Local().Format(time.DateTime))
	p.Field("Progress", fmt.Sprintf("%d/%d completed", len(rec.Completed), rec.TotalUnits))
	if f := rec.FailedUnit(); f != "" {
		p.Field("Failed", p.styles.Error.Render(f))
	}
	if len(rec.Remaining) > 0 {
		p.Field("Remaining", "")
		for _, u := range rec.Remaining {
			p.Subtle("    - " + u)
		}
	}
	if len(rec.Skipped) > 0 {
		p.Field("Skipped", strings.Join(rec.Skipped, ", "))
	}
	if v.Error != "" {
		p.Warning(v.Error)
	}
}

func runStateShow(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	insp, err := svc.tracker.Inspect(cmd.Context())
	if err != nil {
		return err
	}

	format := stateOutput
	if format == "" && outputJSON {
		format = "json"
	}
	return renderState(cmd.OutOrStdout(), newStateView(svc.tracker.Path(), insp), format)
}

func runStateValidate(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	insp, err := svc.tracker.Inspect(cmd.Context())
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	if outputJSON {
		if err := p.JSON(newStateView(svc.tracker.Path(), insp)); err != nil {
			return err
		}
		return insp.Err
	}

	switch insp.Status {
	case buildstate.StatusNotFound:
		p.Info("no build state")
	case buildstate.StatusValid:
		p.Success(fmt.Sprintf("build state is valid (%s, %d remaining)",
			phaseLabel(insp.Record.Phase()), len(insp.Record.Remaining)))
	default:
		p.Error(fmt.Sprintf("build state is %s", insp.Status))
	}
	return insp.Err
}

func runStateClear(cmd *cobra.Command, args []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	insp, err := svc.tracker.Inspect(ctx)
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	if insp.Status == buildstate.StatusNotFound {
		p.Info("no build state to clear")
		return nil
	}
	if insp.Status == buildstate.StatusValid && !stateClearForce {
		return errors.Validation("cli.state.clear",
			fmt.Sprintf("build state for %q is resumable; pass --force to discard it", insp.Record.IntegrationBranch))
	}

	if insp.Record != nil {
		if m, err := buildstate.RestoreMachine(insp.Record, recorder()); err == nil && m.Can(buildstate.EventDiscard) {
			_ = m.Fire(buildstate.EventDiscard)
		}
	}
	if err := svc.tracker.Clear(ctx); err != nil {
		return err
	}
	logger.Info("discarded build state", "path", svc.tracker.Path(), "status", insp.Status)
	p.Success(fmt.Sprintf("discarded %s build state", insp.Status))
	return nil
}
