package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/picklr-io/deckhand/internal/engine"
	"github.com/picklr-io/deckhand/internal/export"
	"github.com/picklr-io/deckhand/internal/ir"
	"github.com/picklr-io/deckhand/internal/resource"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")

	titleStyle   = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	createStyle  = lipgloss.NewStyle().Foreground(colorGreen)
	updateStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	deleteStyle  = lipgloss.NewStyle().Foreground(colorRed)
	failedStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
)

const secretMask = "[secret]"

// paint renders s with style unless color is disabled.
func paint(style lipgloss.Style, s string) string {
	if noColor {
		return s
	}
	return style.Render(s)
}

func actionSymbol(a ir.Action) (string, lipgloss.Style) {
	switch a {
	case ir.ActionCreate:
		return "+", createStyle
	case ir.ActionUpdate:
		return "~", updateStyle
	case ir.ActionDelete:
		return "-", deleteStyle
	case ir.ActionDeferred:
		return "?", dimStyle
	}
	return " ", dimStyle
}

// progress prints one line per finished resource as a run goes.
func progress(w io.Writer) engine.EventCallback {
	return func(ev engine.Event) {
		switch ev.Status {
		case engine.EventCompleted:
			if ev.Action == ir.ActionNoop || ev.Action == ir.ActionDeferred {
				return
			}
			sym, style := actionSymbol(ev.Action)
			fmt.Fprintf(w, "  %s %s %s\n", paint(style, sym), ev.Address, paint(dimStyle, fmt.Sprintf("(%s, %s)", ev.Action, round(ev.Duration))))
		case engine.EventFailed:
			fmt.Fprintf(w, "  %s %s %s\n", paint(failedStyle, "x"), ev.Address, paint(deleteStyle, errString(ev.Error)))
		case engine.EventSkipped:
			fmt.Fprintf(w, "  %s %s %s\n", paint(dimStyle, "-"), ev.Address, paint(dimStyle, "(skipped)"))
		}
	}
}

// renderPlan prints what a preview found.
func renderPlan(w io.Writer, s *engine.Summary) {
	changes := 0
	for _, n := range s.Nodes {
		if n.Action != ir.ActionNoop && n.Status == resource.Done {
			changes++
		}
	}
	if changes == 0 && len(s.Failed()) == 0 {
		fmt.Fprintln(w, "No changes. Infrastructure is up-to-date.")
		return
	}

	fmt.Fprintln(w, paint(titleStyle, "Deckhand will perform the following actions:"))
	fmt.Fprintln(w)
	for _, n := range s.Nodes {
		if n.Status != resource.Done || n.Action == ir.ActionNoop {
			continue
		}
		sym, style := actionSymbol(n.Action)
		line := fmt.Sprintf("  %s %s", sym, n.Addr)
		if n.Action == ir.ActionDeferred {
			line += " (known after dependencies apply)"
		}
		fmt.Fprintln(w, paint(style, line))
	}
	renderFailures(w, s)

	p := s.Plan
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to delete", p.Create, p.Update, p.Delete)
	if p.Deferred > 0 {
		fmt.Fprintf(w, ", %d deferred", p.Deferred)
	}
	fmt.Fprintln(w, ".")
}

// renderSummary prints the outcome of an apply or destroy run. runErr is
// the error the run returned.
func renderSummary(w io.Writer, s *engine.Summary, runErr error) {
	renderFailures(w, s)

	p := s.Plan
	failed := len(s.Failed())
	skipped := s.Count(resource.Skipped)
	verb := "Apply"
	if s.Mode == engine.ModeDestroy {
		verb = "Destroy"
	}
	status := paint(createStyle, verb+" complete!")
	if runErr != nil {
		status = paint(failedStyle, verb+" failed.")
	}
	fmt.Fprintf(w, "\n%s Resources: %d created, %d updated, %d deleted", status, p.Create, p.Update, p.Delete)
	if failed > 0 {
		fmt.Fprintf(w, ", %d failed", failed)
	}
	if skipped > 0 {
		fmt.Fprintf(w, ", %d skipped", skipped)
	}
	fmt.Fprintf(w, " in %s.\n", round(s.Duration))

	if s.Exports != nil {
		renderExports(w, s.Exports, false)
	}
}

func renderFailures(w io.Writer, s *engine.Summary) {
	failed := s.Failed()
	if len(failed) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, paint(sectionStyle, "Errors:"))
	for _, n := range failed {
		fmt.Fprintf(w, "  %s %s: %s\n", paint(failedStyle, "x"), n.Addr, errString(n.Err))
	}
}

// renderExports prints exported values sorted by name. Secrets are masked
// unless showSecrets is set.
func renderExports(w io.Writer, r *export.Rendered, showSecrets bool) {
	if len(r.Values) == 0 && len(r.Errors) == 0 {
		return
	}
	names := make([]string, 0, len(r.Values)+len(r.Errors))
	for name := range r.Values {
		names = append(names, name)
	}
	for name := range r.Errors {
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprintln(w)
	fmt.Fprintln(w, paint(sectionStyle, "Outputs:"))
	for _, name := range names {
		if err, ok := r.Errors[name]; ok {
			fmt.Fprintf(w, "  %s: %s\n", name, paint(deleteStyle, errString(err)))
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", name, formatValue(r.Values[name], r.Secrets[name] && !showSecrets))
	}
}

// formatValue renders a value on one line. Strings are printed bare;
// everything else as JSON.
func formatValue(v any, masked bool) string {
	if masked {
		return secretMask
	}
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if strings.Contains(val, "\n") {
			return fmt.Sprintf("%q", val)
		}
		return val
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}
