package syntax

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/php"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammars holds one loader per language. A grammar is built on first use.
var grammars = map[string]func() *sitter.Language{
	"c":          sync.OnceValue(c.GetLanguage),
	"cpp":        sync.OnceValue(cpp.GetLanguage),
	"go":         sync.OnceValue(golang.GetLanguage),
	"java":       sync.OnceValue(java.GetLanguage),
	"javascript": sync.OnceValue(javascript.GetLanguage),
	"php":        sync.OnceValue(php.GetLanguage),
	"python":     sync.OnceValue(python.GetLanguage),
	"ruby":       sync.OnceValue(ruby.GetLanguage),
	"rust":       sync.OnceValue(rust.GetLanguage),
	"typescript": sync.OnceValue(ts.GetLanguage),
}

// builtinExtensions is the extension table a new Registry starts from.
var builtinExtensions = map[string][]string{
	"c":          {".c", ".h"},
	"cpp":        {".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx", ".ipp"},
	"go":         {".go"},
	"java":       {".java"},
	"javascript": {".js", ".jsx", ".mjs", ".cjs"},
	"php":        {".php"},
	"python":     {".py", ".pyi"},
	"ruby":       {".rb"},
	"rust":       {".rs"},
	"typescript": {".ts", ".tsx", ".mts"},
}

// Registry maps file extensions to language names. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	exts map[string]string
}

// NewRegistry returns a registry holding the built-in extensions.
func NewRegistry() *Registry {
	r := &Registry{exts: make(map[string]string)}
	for lang, exts := range builtinExtensions {
		for _, ext := range exts {
			r.exts[ext] = lang
		}
	}
	return r
}

// Default is the registry behind LanguageForFile.
var Default = NewRegistry()

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Register maps ext to language, replacing any earlier mapping. The
// leading dot is optional. An empty language removes the mapping.
func (r *Registry) Register(ext, language string) error {
	ext = normalizeExt(ext)
	if ext == "" || ext == "." {
		return fmt.Errorf("syntax: empty extension")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if language == "" {
		delete(r.exts, ext)
		return nil
	}
	if _, ok := grammars[language]; !ok {
		return fmt.Errorf("%w: %q for %s", ErrUnsupportedLanguage, language, ext)
	}
	r.exts[ext] = language
	return nil
}

// LanguageForFile returns the language for path's extension.
func (r *Registry) LanguageForFile(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.exts[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// Extensions returns the extensions mapped to language, sorted.
func (r *Registry) Extensions(language string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for ext, lang := range r.exts {
		if lang == language {
			out = append(out, ext)
		}
	}
	slices.Sort(out)
	return out
}

// LanguageForFile looks path up in the Default registry.
func LanguageForFile(path string) (string, bool) {
	return Default.LanguageForFile(path)
}

// GrammarForLanguage returns the tree-sitter grammar for language.
func GrammarForLanguage(language string) (*sitter.Language, bool) {
	load, ok := grammars[language]
	if !ok {
		return nil, false
	}
	return load(), true
}

// Languages returns the languages with a grammar, sorted.
func Languages() []string {
	names := make([]string, 0, len(grammars))
	for name := range grammars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
