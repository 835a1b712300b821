package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/fruitsalade/snapfolder/pkg/models"
	"github.com/fruitsalade/snapfolder/pkg/vault"
)

// Color palette
var (
	primaryColor   = lipgloss.Color("#7571f9")
	successColor   = lipgloss.Color("#00d787")
	warningColor   = lipgloss.Color("#ffaf00")
	errorColor     = lipgloss.Color("#ff5f87")
	mutedColor     = lipgloss.Color("#6c6c6c")
	highlightColor = lipgloss.Color("#00d2d3")
)

// Styles
var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	folderStyle  = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	addressStyle = lipgloss.NewStyle().Foreground(highlightColor)
)

// renderListing draws entries as a table. Root listings show each record's
// address; folder listings show member paths.
func renderListing(entries []models.DirectoryMember, root bool) string {
	if len(entries) == 0 {
		return mutedStyle.Render("(empty)")
	}

	last := "PATH"
	if root {
		last = "ADDRESS"
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("NAME", "SIZE", "KIND", "ENC", last)

	for _, e := range entries {
		t.Row(entryName(e), humanize.Bytes(e.Size), kindLabel(e.ContentKind), encLabel(e.Encrypted), e.RelativePath)
	}
	return t.String()
}

func entryName(e models.DirectoryMember) string {
	name := e.DisplayName
	if name == "" {
		name = e.RelativePath
	}
	if e.ContentKind == vault.DirectoryKind {
		return folderStyle.Render(name + "/")
	}
	return name
}

func kindLabel(kind string) string {
	switch {
	case kind == vault.DirectoryKind:
		return "folder"
	case kind == "":
		return "-"
	default:
		return strings.SplitN(kind, ";", 2)[0]
	}
}

func encLabel(encrypted bool) string {
	if encrypted {
		return "yes"
	}
	return ""
}

// printAddress reports the address an operation produced.
func printAddress(w io.Writer, verb, name string, addr models.Address) {
	line := successStyle.Render(verb)
	if name != "" {
		line += " " + name
	}
	fmt.Fprintln(w, line+" "+addressStyle.Render(addr.String()))
}

// formatProgress renders one progress line without a trailing newline.
func formatProgress(p vault.Progress) string {
	label := p.Path
	if label == "" {
		label = p.Address.String()
	}
	if p.Total > 0 {
		pct := float64(p.Loaded) * 100 / float64(p.Total)
		return fmt.Sprintf("%s  %s / %s (%.0f%%)", label,
			humanize.Bytes(uint64(p.Loaded)), humanize.Bytes(uint64(p.Total)), pct)
	}
	return fmt.Sprintf("%s  %s", label, humanize.Bytes(uint64(p.Loaded)))
}

// renderBreadcrumbs draws the navigation path, root first.
func renderBreadcrumbs(frames []models.NavigationFrame) string {
	parts := []string{mutedStyle.Render("~")}
	for _, f := range frames {
		parts = append(parts, folderStyle.Render(f.DisplayName))
	}
	return strings.Join(parts, mutedStyle.Render(" / "))
}

// watchProgress prints download progress to the terminal until stopped.
func (a *app) watchProgress() func() {
	if !isTerminal() {
		return func() {}
	}
	stop := a.vault.OnProgress(func(p vault.Progress) {
		fmt.Fprint(a.errOut, "\r\033[K"+mutedStyle.Render(formatProgress(p)))
	})
	return func() {
		stop()
		fmt.Fprint(a.errOut, "\r\033[K")
	}
}
