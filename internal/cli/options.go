package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// VersionInfo holds version metadata.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// Styles holds the CLI styling configuration.
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Subtle  lipgloss.Style
	Bold    lipgloss.Style
}

// DefaultStyles returns the default CLI styles.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		Subtle:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Bold:    lipgloss.NewStyle().Bold(true),
	}
}

// printer renders styled messages to one stream.
type printer struct {
	w      io.Writer
	styles Styles
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, styles: styles}
}

func (p *printer) Success(msg string) { p.println(p.styles.Success.Render("✓ " + msg)) }
func (p *printer) Error(msg string)   { p.println(p.styles.Error.Render("✗ " + msg)) }
func (p *printer) Warning(msg string) { p.println(p.styles.Warning.Render("⚠ " + msg)) }
func (p *printer) Info(msg string)    { p.println(p.styles.Info.Render("ℹ " + msg)) }
func (p *printer) Title(msg string)   { p.println(p.styles.Title.Render(msg)) }
func (p *printer) Subtle(msg string)  { p.println(p.styles.Subtle.Render(msg)) }

// Field prints an aligned "label: value" line.
func (p *printer) Field(label string, value any) {
	_, _ = fmt.Fprintf(p.w, "  %s %v\n", p.styles.Bold.Render(fmt.Sprintf("%-20s", label+":")), value)
}

func (p *printer) println(s string) {
	_, _ = io.WriteString(p.w, s+"\n")
}

// JSON writes v as indented JSON.
func (p *printer) JSON(v any) error {
	encoder := json.NewEncoder(p.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
