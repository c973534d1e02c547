package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// formatLocationsText formats CLILocation results as "file:line:col" lines.
func formatLocationsText(w io.Writer, locs []CLILocation) {
	for _, loc := range locs {
		fmt.Fprintf(w, "%s:%d:%d\n", loc.File, loc.StartLine, loc.StartCol)
	}
}

// formatSymbolsText formats CLISymbol results as aligned columns.
func formatSymbolsText(w io.Writer, syms []CLISymbol) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tFILE\tLINE\tCOL")
	for _, s := range syms {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n",
			s.ID, s.Qualified, s.Kind, s.File, s.StartLine, s.StartCol)
	}
	tw.Flush()
}

// formatNodesText formats CLINode results, one node per line.
func formatNodesText(w io.Writer, nodes []CLINode) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSTART\tEND\tTEXT")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%d:%d\t%d:%d\t%s\n",
			n.Type, n.StartLine, n.StartCol, n.EndLine, n.EndCol, firstLine(n.Text))
	}
	tw.Flush()
}

// formatMatchesText formats CLIMatch results with one capture per line.
func formatMatchesText(w io.Writer, matches []CLIMatch) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MATCH\tCAPTURE\tLINE\tCOL\tTEXT")
	for i, m := range matches {
		for _, c := range m.Captures {
			fmt.Fprintf(tw, "%d\t@%s\t%d\t%d\t%s\n",
				i, c.Name, c.Node.StartLine, c.Node.StartCol, firstLine(c.Node.Text))
		}
	}
	tw.Flush()
}

func formatChangeText(w io.Writer, c CLIChange) {
	fmt.Fprintf(w, "revision %d: -%d +%d at %d (%d symbols)\n",
		c.Revision, c.Removed, c.Added, c.Start, c.Symbols)
}

func formatRenameText(w io.Writer, r CLIRename) {
	if r.Written {
		fmt.Fprintf(w, "%s: %d edits written\n", r.File, r.Edits)
		return
	}
	fmt.Fprint(w, r.Text)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// outputResultText dispatches to the appropriate text formatter based on the
// result type.
func outputResultText(result CLIResult) error {
	w := stdout

	switch v := result.Results.(type) {
	case []CLILocation:
		formatLocationsText(w, v)
	case CLILocation:
		formatLocationsText(w, []CLILocation{v})
	case []CLISymbol:
		formatSymbolsText(w, v)
	case CLISymbol:
		formatSymbolsText(w, []CLISymbol{v})
	case []CLINode:
		formatNodesText(w, v)
	case []CLIMatch:
		formatMatchesText(w, v)
	case CLIHover:
		fmt.Fprintln(w, v.Text)
	case CLIRename:
		formatRenameText(w, v)
	case CLIChange:
		formatChangeText(w, v)
	case nil:
		// No output for nil results (e.g., find with no match).
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}

	if result.Fallback {
		fmt.Fprintln(os.Stderr, "(structural fallback: language server unavailable)")
	}
	return nil
}

// outputResult writes result as indented JSON or text per --format.
func outputResult(result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(result)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	result := CLIResult{
		Command: command,
		Error:   err.Error(),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return err
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
