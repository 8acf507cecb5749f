package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

// Printer renders run reports and store listings to a terminal.
type Printer struct {
	out     io.Writer
	context int
	verbose bool
}

// Option configures a Printer.
type Option func(*Printer)

// WithContext sets the number of context lines in previews.
func WithContext(n int) Option {
	return func(p *Printer) {
		p.context = n
	}
}

// WithVerbose lists no_change outcomes too.
func WithVerbose(verbose bool) Option {
	return func(p *Printer) {
		p.verbose = verbose
	}
}

// NewPrinter creates a printer writing to out, or stdout when nil.
func NewPrinter(out io.Writer, opts ...Option) *Printer {
	if out == nil {
		out = os.Stdout
	}
	p := &Printer{out: out, context: DefaultContext}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var kindStyles = map[engine.OutcomeKind]*pterm.Style{
	engine.OutcomeCreated:  pterm.NewStyle(pterm.FgGreen),
	engine.OutcomeChanged:  pterm.NewStyle(pterm.FgYellow),
	engine.OutcomeRemoved:  pterm.NewStyle(pterm.FgMagenta),
	engine.OutcomeFailed:   pterm.NewStyle(pterm.FgRed, pterm.Bold),
	engine.OutcomeNoChange: pterm.NewStyle(pterm.FgGray),
}

var statusStyles = map[engine.RunStatus]*pterm.Style{
	engine.RunStatusSucceeded: pterm.NewStyle(pterm.FgGreen),
	engine.RunStatusPartial:   pterm.NewStyle(pterm.FgYellow),
	engine.RunStatusFailed:    pterm.NewStyle(pterm.FgRed),
	engine.RunStatusCancelled: pterm.NewStyle(pterm.FgRed),
}

func styled(style *pterm.Style, s string) string {
	if style == nil {
		return s
	}
	return style.Sprint(s)
}

// Report renders the outcomes table, the previews of a no-op run, target
// errors and the summary line.
func (p *Printer) Report(report *engine.Report) error {
	if err := p.Outcomes(report); err != nil {
		return err
	}
	p.Previews(report)
	p.TargetErrors(report)
	p.Summary(report)
	return nil
}

// Outcomes renders one row per outcome. Unchanged resources are listed only
// in verbose mode.
func (p *Printer) Outcomes(report *engine.Report) error {
	data := [][]string{{"Resource", "Target", "Outcome", "Changes"}}
	for _, o := range report.Outcomes {
		if o.Kind == engine.OutcomeNoChange && !p.verbose {
			continue
		}

		kind := string(o.Kind)
		if o.Purged {
			kind += " (purged)"
		}

		changes := make([]string, 0, len(o.Deltas))
		for _, d := range o.Deltas {
			changes = append(changes, d.String())
		}
		if o.Err != nil {
			changes = append(changes, o.Error())
		}

		data = append(data, []string{
			o.Resource,
			o.Provider + "/" + o.Target,
			styled(kindStyles[o.Kind], kind),
			strings.Join(changes, "\n"),
		})
	}

	if len(data) == 1 {
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(p.out).WithData(data).Render()
}

// Previews renders a unified diff per target a no-op run would change.
func (p *Printer) Previews(report *engine.Report) {
	for _, preview := range report.Previews {
		if !preview.Changed() {
			continue
		}
		p.Diff(preview.Provider+"/"+preview.Target, preview.Before, preview.After)
	}
}

func colorDiffLine(line string) string {
	switch {
	case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		return pterm.Bold.Sprint(line)
	case strings.HasPrefix(line, "@@"):
		return pterm.FgCyan.Sprint(line)
	case strings.HasPrefix(line, "+"):
		return pterm.FgGreen.Sprint(line)
	case strings.HasPrefix(line, "-"):
		return pterm.FgRed.Sprint(line)
	default:
		return line
	}
}

// TargetErrors renders the targets that failed to prefetch or flush.
func (p *Printer) TargetErrors(report *engine.Report) {
	for _, te := range report.TargetErrors {
		fmt.Fprintln(p.out, pterm.Error.Sprint(te.Error()))
	}
}

// Summary renders the run status and outcome counts on one line.
func (p *Printer) Summary(report *engine.Report) {
	fmt.Fprintln(p.out, SummaryLine(report))
}

// SummaryLine formats the run status and outcome counts.
func SummaryLine(report *engine.Report) string {
	counts := report.Counts()
	order := []engine.OutcomeKind{
		engine.OutcomeCreated,
		engine.OutcomeChanged,
		engine.OutcomeRemoved,
		engine.OutcomeFailed,
		engine.OutcomeNoChange,
	}

	parts := make([]string, 0, len(order))
	for _, kind := range order {
		if counts[kind] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[kind], kind))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing to do")
	}

	mode := "Run"
	if report.Noop {
		mode = "Plan"
	}
	return fmt.Sprintf("%s %s %s: %s in %s",
		mode,
		report.RunID,
		styled(statusStyles[report.Status], string(report.Status)),
		strings.Join(parts, ", "),
		report.Duration().Round(time.Millisecond))
}

// Backups renders backup metadata, newest first.
func (p *Printer) Backups(backups []*stores.Backup) error {
	sorted := append([]*stores.Backup(nil), backups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	data := [][]string{{"Checksum", "Target", "Size", "Created"}}
	for _, b := range sorted {
		data = append(data, []string{
			shortChecksum(b.Checksum),
			b.Target,
			fmt.Sprintf("%d", b.Size),
			b.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(p.out).WithData(data).Render()
}

// Runs renders recorded runs.
func (p *Printer) Runs(runs []*stores.Run) error {
	data := [][]string{{"Run", "Status", "Mode", "Started", "Outcomes"}}
	for _, r := range runs {
		mode := "apply"
		if r.Noop {
			mode = "plan"
		}
		data = append(data, []string{
			r.ID,
			styled(statusStyles[r.Status], string(r.Status)),
			mode,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Counts,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(p.out).WithData(data).Render()
}

// Diff renders a colored unified diff between two contents.
func (p *Printer) Diff(name, before, after string) {
	for _, line := range strings.SplitAfter(Unified(name, before, after, p.context), "\n") {
		if line != "" {
			fmt.Fprint(p.out, colorDiffLine(line))
		}
	}
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// RunOutcomes renders the recorded outcomes of one run.
func (p *Printer) RunOutcomes(outcomes []*stores.Outcome) error {
	data := [][]string{{"Resource", "Target", "Outcome", "Error"}}
	for _, o := range outcomes {
		if o.Kind == engine.OutcomeNoChange && !p.verbose {
			continue
		}
		kind := string(o.Kind)
		if o.Purged {
			kind += " (purged)"
		}
		var msg string
		if o.Error != nil {
			msg = *o.Error
		}
		data = append(data, []string{
			o.Resource,
			o.Provider + "/" + o.Target,
			styled(kindStyles[o.Kind], kind),
			msg,
		})
	}
	if len(data) == 1 {
		fmt.Fprintln(p.out, "No changes recorded")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(p.out).WithData(data).Render()
}
