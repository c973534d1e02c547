package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jward/sapling"
)

var (
	flagWhere         string
	flagCaseSensitive bool
	flagWholeWords    bool
	flagRegexp        bool
	flagAll           bool
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols <file>...",
	Short: "List the symbols of one or more files",
	Long: "Lists every symbol in document order. --where filters with a Risor expression over " +
		"name, kind, start, end, size, line, depth, qualified, callable, and top_level; " +
		"\"@path\" reads the expression from a file.",
	Args: cobra.MinimumNArgs(1),
	RunE: runSymbols,
}

var findCmd = &cobra.Command{
	Use:   "find <file> <name>",
	Short: "Find a symbol by name",
	Args:  cobra.ExactArgs(2),
	RunE:  runFind,
}

var nodeCmd = &cobra.Command{
	Use:   "node <file> <pos> [end]",
	Short: "Show the syntax node at a position, or the nodes in a range",
	Long:  "Positions are line:col (1-based, columns in bytes) or byte offsets.",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runNode,
}

var queryCmd = &cobra.Command{
	Use:   "query <file> <pattern>",
	Short: "Run a tree-sitter query",
	Long:  "Runs an S-expression query over the file. \"@path\" reads the pattern from a file.",
	Args:  cobra.ExactArgs(2),
	RunE:  runQuery,
}

var watchCmd = &cobra.Command{
	Use:   "watch <file>",
	Short: "Reload a file whenever it changes and report each change",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	symbolsCmd.Flags().StringVar(&flagWhere, "where", "", "Risor filter expression")

	findCmd.Flags().BoolVar(&flagCaseSensitive, "case-sensitive", false, "match case")
	findCmd.Flags().BoolVar(&flagWholeWords, "whole-words", false, "match the whole name")
	findCmd.Flags().BoolVar(&flagRegexp, "regexp", false, "treat name as a regular expression")
	findCmd.Flags().BoolVar(&flagAll, "all", false, "return every match instead of the first")
}

func runSymbols(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return outputError("symbols", err)
	}
	if st != nil {
		defer st.Close()
	}

	results := make([][]CLISymbol, len(args))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, file := range args {
		i, file := i, file
		g.Go(func() error {
			doc, err := openDocument(ctx, file, st)
			if err != nil {
				return err
			}
			defer doc.Close()

			var syms []sapling.Symbol
			if flagWhere != "" {
				syms, err = doc.SymbolsWhere(ctx, flagWhere)
			} else {
				syms, err = doc.Symbols()
			}
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			results[i], err = symbolsToCLI(doc, syms)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return outputError("symbols", err)
	}

	all := []CLISymbol{}
	for _, r := range results {
		all = append(all, r...)
	}
	return outputResult(CLIResult{Command: "symbols", Results: all})
}

func findFlags() sapling.FindFlags {
	var f sapling.FindFlags
	if flagCaseSensitive {
		f |= sapling.FindCaseSensitive
	}
	if flagWholeWords {
		f |= sapling.FindWholeWords
	}
	if flagRegexp {
		f |= sapling.FindRegexp
	}
	return f
}

func runFind(cmd *cobra.Command, args []string) error {
	err := withDocument(cmd.Context(), args[0], func(doc *sapling.CodeDocument) error {
		idx, err := doc.SymbolIndex()
		if err != nil {
			return err
		}
		found, err := idx.FindAll(args[1], findFlags())
		if err != nil {
			return err
		}
		syms, err := symbolsToCLI(doc, found)
		if err != nil {
			return err
		}
		result := CLIResult{Command: "find"}
		switch {
		case flagAll:
			result.Results = syms
		case len(syms) > 0:
			result.Results = syms[0]
		}
		return outputResult(result)
	})
	if err != nil {
		return outputError("find", err)
	}
	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	err := withDocument(cmd.Context(), args[0], func(doc *sapling.CodeDocument) error {
		start, err := parsePosition(doc, args[1])
		if err != nil {
			return err
		}
		nodes := []CLINode{}
		if len(args) == 3 {
			end, err := parsePosition(doc, args[2])
			if err != nil {
				return err
			}
			found, err := doc.NodesInRange(sapling.Range{Start: start, End: end})
			if err != nil {
				return err
			}
			for _, n := range found {
				nodes = append(nodes, nodeToCLI(doc, n))
			}
		} else {
			n, err := doc.NodeCovering(sapling.Range{Start: start, End: start})
			if err != nil {
				return err
			}
			if n != nil {
				nodes = append(nodes, nodeToCLI(doc, n))
			}
		}
		return outputResult(CLIResult{Command: "node", Results: nodes})
	})
	if err != nil {
		return outputError("node", err)
	}
	return nil
}

// readArg returns value, or the contents of the file it names when it
// starts with "@".
func readArg(value string) (string, error) {
	path, ok := strings.CutPrefix(value, "@")
	if !ok {
		return value, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	pattern, err := readArg(args[1])
	if err != nil {
		return outputError("query", err)
	}
	err = withDocument(cmd.Context(), args[0], func(doc *sapling.CodeDocument) error {
		matches, err := doc.Query(pattern, nil)
		if err != nil {
			return err
		}
		return outputResult(CLIResult{Command: "query", Results: matchesToCLI(doc, matches)})
	})
	if err != nil {
		return outputError("query", err)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	err := withDocument(ctx, args[0], func(doc *sapling.CodeDocument) error {
		return watchDocument(ctx, doc)
	})
	if err != nil {
		return outputError("watch", err)
	}
	return nil
}

// watchDocument reports every reload of doc until ctx ends.
func watchDocument(ctx context.Context, doc *sapling.CodeDocument) error {
	var outErr error
	err := sapling.Watch(ctx, doc, func(d sapling.EditDelta) {
		change := CLIChange{Revision: d.Revision, Start: d.Start, Removed: d.Removed, Added: d.Added}
		if syms, err := doc.Symbols(); err == nil {
			change.Symbols = len(syms)
		} else {
			logger.Warn("symbols after reload", "path", doc.Path(), "error", err)
		}
		if err := outputResult(CLIResult{Command: "watch", Results: change}); err != nil && outErr == nil {
			outErr = err
		}
	}, sapling.WithDebounce(cfg.Watch.Debounce))
	if err != nil {
		return err
	}
	return outErr
}
