package commands

import (
	"encoding/json"
	"io"

	"github.com/pterm/pterm"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/report"
)

func newPrinter(out io.Writer) *report.Printer {
	if jsonOutput {
		pterm.DisableStyling()
	}
	return report.NewPrinter(out, report.WithVerbose(verbose))
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(out io.Writer, r *engine.Report) error {
	if jsonOutput {
		return printJSON(out, r)
	}
	return newPrinter(out).Report(r)
}
