// Package tui renders terminal output for tileconv: the in-place progress
// line, the run banner and the final summary.
package tui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Shared styles. Applied only when the destination is a terminal.
//
//nolint:gochecknoglobals // Style definitions are immutable after init.
var (
	HeaderStyle  = lipgloss.NewStyle().Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	InfoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	MutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// IsTerminal reports whether w is a terminal file descriptor.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// style renders s with st when styled is true and returns s unchanged otherwise.
func style(st lipgloss.Style, s string, styled bool) string {
	if !styled {
		return s
	}
	return st.Render(s)
}
