package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/jward/sapling"
	"github.com/jward/sapling/internal/config"
	"github.com/jward/sapling/internal/store"
	"github.com/jward/sapling/internal/syntax"
)

var (
	flagDB       string
	flagFormat   string
	flagConfig   string
	flagLogLevel string
)

var (
	cfg    = config.DefaultConfig()
	logger = hclog.NewNullLogger()

	// stdout receives results; tests swap it for a buffer.
	stdout io.Writer = os.Stdout
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sapling",
	Short: "Structural and semantic queries over single source files",
	Long: "Sapling parses a source file with tree-sitter, derives its symbols, and asks the " +
		"configured language server about definitions, references, hover text, and renames.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(flagFormat); err != nil {
			return err
		}
		return setup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "symbol snapshot database (default: snapshot_db from config, none if unset)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: "+config.FileName+" in the working directory)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: trace|debug|info|warn|error|off")

	rootCmd.AddCommand(symbolsCmd, findCmd, nodeCmd, queryCmd, watchCmd)
	rootCmd.AddCommand(hoverCmd, definitionCmd, referencesCmd, switchCmd, renameCmd)
}

// setup loads the configuration and builds the logger.
func setup() error {
	c, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	level := c.Logging.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		return fmt.Errorf("invalid log level %q", level)
	}
	for lang, exts := range c.Extensions {
		for _, ext := range exts {
			if err := sapling.RegisterExtension(ext, lang); err != nil {
				return fmt.Errorf("config extensions: %w", err)
			}
		}
	}
	cfg = c
	logger = hclog.New(&hclog.LoggerOptions{
		Name:       "sapling",
		Level:      lvl,
		Output:     os.Stderr,
		JSONFormat: c.Logging.Format == "json",
	})
	return nil
}

// resolveFilePath converts a possibly-relative file path to absolute.
func resolveFilePath(file string) (string, error) {
	if filepath.IsAbs(file) {
		return file, nil
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", fmt.Errorf("resolving file path %q: %w", file, err)
	}
	return abs, nil
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// openStore opens the snapshot database named by --db or the config. It
// returns a nil store when neither is set.
func openStore() (*store.Store, error) {
	path := flagDB
	if path == "" {
		path = cfg.SnapshotDB
	}
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	st, err := store.NewStore(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// openDocument loads file with the configured symbol query and, when st is
// not nil, the snapshot store.
func openDocument(ctx context.Context, file string, st *store.Store) (*sapling.CodeDocument, error) {
	path, err := resolveFilePath(file)
	if err != nil {
		return nil, err
	}
	opts := []sapling.Option{sapling.WithLogger(logger)}
	if lang, ok := syntax.LanguageForFile(path); ok {
		if q := cfg.Queries[lang]; q != "" {
			opts = append(opts, sapling.WithSymbolQuery(q))
		}
	}
	if st != nil {
		opts = append(opts, sapling.WithSnapshotStore(st))
	}
	return sapling.Open(ctx, path, opts...)
}

// withDocument opens file, runs fn, and releases everything afterwards.
func withDocument(ctx context.Context, file string, fn func(*sapling.CodeDocument) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}
	doc, err := openDocument(ctx, file, st)
	if err != nil {
		return err
	}
	defer doc.Close()
	return fn(doc)
}
