package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/sapling"
	"github.com/jward/sapling/internal/symbol"
)

const shutdownTimeout = 5 * time.Second

var flagWrite bool

var hoverCmd = &cobra.Command{
	Use:   "hover <file> <pos>",
	Short: "Show hover text for a position",
	Args:  cobra.ExactArgs(2),
	RunE:  runHover,
}

var definitionCmd = &cobra.Command{
	Use:   "definition <file> <pos>",
	Short: "Go to the definition of the symbol at a position",
	Args:  cobra.ExactArgs(2),
	RunE:  runDefinition,
}

var referencesCmd = &cobra.Command{
	Use:   "references <file> <pos>",
	Short: "List references to the symbol at a position",
	Args:  cobra.ExactArgs(2),
	RunE:  runReferences,
}

var switchCmd = &cobra.Command{
	Use:   "switch <file> <pos>",
	Short: "Switch between the declaration and definition of the enclosing function",
	Args:  cobra.ExactArgs(2),
	RunE:  runSwitch,
}

var renameCmd = &cobra.Command{
	Use:   "rename <file> <pos> <new-name>",
	Short: "Rename the symbol at a position",
	Long:  "Applies the server's edits for this file. Without --write the renamed text is printed.",
	Args:  cobra.ExactArgs(3),
	RunE:  runRename,
}

func init() {
	renameCmd.Flags().BoolVar(&flagWrite, "write", false, "write the result back to the file")
}

// session is a document plus, when one could be started, its language
// server. down records why the server is missing.
type session struct {
	doc  *sapling.CodeDocument
	sem  *sapling.SemanticDocument
	srv  *sapling.Server
	down error
}

// openSession opens file and starts the server configured for its
// language. A server that cannot be started is not an error; the session
// carries the reason and commands fall back to structural answers.
func openSession(ctx context.Context, file string) (*session, error) {
	doc, err := openDocument(ctx, file, nil)
	if err != nil {
		return nil, err
	}
	s := &session{doc: doc}

	sc, ok := cfg.Server(doc.Language(), findRepoRoot(filepath.Dir(doc.Path())))
	if !ok {
		s.down = fmt.Errorf("no server configured for %s: %w", doc.Language(), sapling.ErrAnalysisUnavailable)
		return s, nil
	}
	srv, err := sapling.StartServer(ctx, sc, logger)
	if err != nil {
		logger.Warn("language server unavailable", "language", doc.Language(), "error", err)
		s.down = fmt.Errorf("%w: %w", sapling.ErrAnalysisUnavailable, err)
		return s, nil
	}
	s.srv = srv
	s.sem = sapling.NewSemantic(doc, srv, sapling.WithRequestTimeout(cfg.RequestTimeout))
	return s, nil
}

func (s *session) Close() {
	if s.sem != nil {
		_ = s.sem.Close()
	} else {
		_ = s.doc.Close()
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			logger.Debug("server shutdown", "error", err)
		}
	}
}

// semantic runs fn when a server is attached and reports whether the
// caller should fall back to a structural answer.
func (s *session) semantic(fn func(*sapling.SemanticDocument) error) (fallback bool, err error) {
	if s.sem == nil {
		logger.Debug("using structural fallback", "reason", s.down)
		return true, nil
	}
	err = fn(s.sem)
	if errors.Is(err, sapling.ErrAnalysisUnavailable) {
		logger.Warn("analysis unavailable, using structural fallback", "error", err)
		return true, nil
	}
	return false, err
}

// withSession opens a session for file, positions the cursor, and runs fn.
func withSession(ctx context.Context, command, file, pos string, fn func(*session, int) error) error {
	s, err := openSession(ctx, file)
	if err != nil {
		return outputError(command, err)
	}
	defer s.Close()
	offset, err := parsePosition(s.doc, pos)
	if err != nil {
		return outputError(command, err)
	}
	if err := s.doc.SetCursor(offset); err != nil {
		return outputError(command, err)
	}
	if err := fn(s, offset); err != nil {
		return outputError(command, err)
	}
	return nil
}

func runHover(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "hover", args[0], args[1], func(s *session, offset int) error {
		var text string
		fallback, err := s.semantic(func(sem *sapling.SemanticDocument) error {
			var err error
			text, err = sem.Hover(cmd.Context(), offset)
			return err
		})
		if err != nil {
			return err
		}
		result := CLIResult{Command: "hover", Fallback: fallback}
		if fallback {
			text, err = structuralHover(s.doc, offset)
			if err != nil {
				return err
			}
		}
		if text != "" {
			result.Results = CLIHover{Text: text}
		}
		return outputResult(result)
	})
}

// structuralHover is the first line of the innermost symbol at offset.
func structuralHover(doc *sapling.CodeDocument, offset int) (string, error) {
	sym, err := doc.SymbolAt(offset, nil)
	if err != nil || sym == nil {
		return "", err
	}
	src, err := doc.Slice(sym.Range)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s\n%s", sym.Kind, sym.Name, firstLine(src)), nil
}

func runDefinition(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "definition", args[0], args[1], func(s *session, offset int) error {
		var locs []sapling.Location
		fallback, err := s.semantic(func(sem *sapling.SemanticDocument) error {
			var err error
			locs, err = sem.Definition(cmd.Context(), offset)
			return err
		})
		if err != nil {
			return err
		}
		result := CLIResult{Command: "definition", Fallback: fallback, Results: locationsToCLI(s.doc, locs)}
		if fallback {
			sym, err := symbolNamedAt(s.doc, offset)
			if err != nil {
				return err
			}
			found := []CLILocation{}
			if sym != nil {
				found = append(found, spanLocation(s.doc, sym.SelectionRange))
			}
			result.Results = found
		}
		return outputResult(result)
	})
}

// symbolNamedAt finds the first symbol named like the word at offset.
func symbolNamedAt(doc *sapling.CodeDocument, offset int) (*sapling.Symbol, error) {
	word, err := doc.WordAt(offset)
	if err != nil || word.IsEmpty() {
		return nil, err
	}
	name, err := doc.Slice(word)
	if err != nil {
		return nil, err
	}
	return doc.FindSymbol(name, sapling.FindCaseSensitive|sapling.FindWholeWords)
}

func runReferences(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "references", args[0], args[1], func(s *session, offset int) error {
		var locs []sapling.Location
		fallback, err := s.semantic(func(sem *sapling.SemanticDocument) error {
			var err error
			locs, err = sem.References(cmd.Context(), offset)
			return err
		})
		if err != nil {
			return err
		}
		result := CLIResult{Command: "references", Fallback: fallback, Results: locationsToCLI(s.doc, locs)}
		if fallback {
			found, err := wordOccurrences(s.doc, offset)
			if err != nil {
				return err
			}
			result.Results = found
		}
		return outputResult(result)
	})
}

// wordOccurrences lists every whole-word occurrence of the word at offset.
func wordOccurrences(doc *sapling.CodeDocument, offset int) ([]CLILocation, error) {
	out := []CLILocation{}
	word, err := doc.WordAt(offset)
	if err != nil || word.IsEmpty() {
		return out, err
	}
	name, err := doc.Slice(word)
	if err != nil {
		return nil, err
	}
	re, err := symbol.NewMatcher(name, sapling.FindCaseSensitive|sapling.FindWholeWords)
	if err != nil {
		return nil, err
	}
	for _, m := range re.FindAllStringIndex(doc.Text(), -1) {
		out = append(out, spanLocation(doc, sapling.Range{Start: m[0], End: m[1]}))
	}
	return out, nil
}

func runSwitch(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "switch", args[0], args[1], func(s *session, _ int) error {
		var loc *sapling.Location
		fallback, err := s.semantic(func(sem *sapling.SemanticDocument) error {
			var err error
			loc, err = sem.SwitchDeclarationDefinition(cmd.Context())
			return err
		})
		if err != nil {
			return err
		}
		result := CLIResult{Command: "switch", Fallback: fallback}
		if fallback {
			if r, ok, err := structuralCounterpart(s.doc); err != nil {
				return err
			} else if ok {
				result.Results = spanLocation(s.doc, r)
			}
		} else if loc != nil {
			result.Results = locationToCLI(s.doc, *loc)
		}
		return outputResult(result)
	})
}

// structuralCounterpart finds another callable with the same name as the
// one around the cursor.
func structuralCounterpart(doc *sapling.CodeDocument) (sapling.Range, bool, error) {
	fn, err := doc.CurrentSymbol(sapling.IsCallable)
	if err != nil || fn == nil {
		return sapling.Range{}, false, err
	}
	idx, err := doc.SymbolIndex()
	if err != nil {
		return sapling.Range{}, false, err
	}
	same, err := idx.FindAll(fn.Name, sapling.FindCaseSensitive|sapling.FindWholeWords)
	if err != nil {
		return sapling.Range{}, false, err
	}
	for _, other := range same {
		if other.ID != fn.ID && sapling.IsCallable(other) {
			return other.SelectionRange, true, nil
		}
	}
	return sapling.Range{}, false, nil
}

func runRename(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), "rename", args[0], args[1], func(s *session, offset int) error {
		if s.sem == nil {
			return s.down
		}
		n, err := s.sem.Rename(cmd.Context(), offset, args[2])
		if err != nil {
			return err
		}
		result := CLIRename{File: s.doc.Path(), Edits: n}
		if flagWrite {
			if err := s.doc.Save(""); err != nil {
				return err
			}
			result.Written = true
		} else {
			result.Text = s.doc.Text()
		}
		rev := s.doc.Revision()
		return outputResult(CLIResult{Command: "rename", Results: result, Revision: &rev})
	})
}
