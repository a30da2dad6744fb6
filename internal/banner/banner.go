// Package banner prints the AETERNUM startup art.
package banner

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const art = `
 █████╗ ███████╗████████╗███████╗██████╗ ███╗   ██╗██╗   ██╗███╗   ███╗
██╔══██╗██╔════╝╚══██╔══╝██╔════╝██╔══██╗████╗  ██║██║   ██║████╗ ████║
███████║█████╗     ██║   █████╗  ██████╔╝██╔██╗ ██║██║   ██║██╔████╔██║
██╔══██║██╔══╝     ██║   ██╔══╝  ██╔══██╗██║╚██╗██║██║   ██║██║╚██╔╝██║
██║  ██║███████╗   ██║   ███████╗██║  ██║██║ ╚████║╚██████╔╝██║ ╚═╝ ██║
╚═╝  ╚═╝╚══════╝   ╚═╝   ╚══════╝╚═╝  ╚═╝╚═╝  ╚═══╝ ╚═════╝ ╚═╝     ╚═╝`

// DefaultTagline is printed when the caller passes none.
const DefaultTagline = "MARK X"

// Top to bottom, cyan fading into magenta.
var rowColors = []lipgloss.Color{"#01cdfe", "#3bb8fe", "#75a3fe", "#b18efe", "#d67cf6", "#ff71ce"}

var taglineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

// sleep is swapped by tests.
var sleep = time.Sleep

type options struct {
	rowDelay, holdDelay time.Duration
}

// Option tunes Print.
type Option func(*options)

// Instant disables the row-by-row reveal.
func Instant() Option {
	return func(o *options) { o.rowDelay, o.holdDelay = 0, 0 }
}

// WithRowDelay sets the pause after each art row.
func WithRowDelay(d time.Duration) Option {
	return func(o *options) { o.rowDelay = d }
}

// Print writes the art row by row, then the tagline and version.
func Print(w io.Writer, version, tagline string, opts ...Option) {
	o := options{rowDelay: 35 * time.Millisecond, holdDelay: 150 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	for i, row := range Rows() {
		style := lipgloss.NewStyle().Bold(true).Foreground(rowColors[i%len(rowColors)])
		fmt.Fprintln(w, style.Render(row))
		pause(o.rowDelay)
	}
	if tagline = strings.TrimSpace(tagline); tagline == "" {
		tagline = DefaultTagline
	}
	fmt.Fprintf(w, "  %s  v%s\n\n", taglineStyle.Render(tagline), version)
	pause(o.holdDelay)
}

// Rows returns the art without surrounding blank lines.
func Rows() []string {
	return strings.Split(strings.Trim(art, "\n"), "\n")
}

func pause(d time.Duration) {
	if d > 0 {
		sleep(d)
	}
}
