// Package treesitter loads the five tree-sitter grammars Necessist's
// backends need and provides a thin parse helper shared by all of them.
// Unlike a general-purpose multi-language mapping engine, this package
// only ever deals with the languages named in the backend table: rust,
// go, solidity, typescript and tsx.
package treesitter

import (
	"context"
	"fmt"
	"sync"

	golang "github.com/alexaandru/go-sitter-forest/go"
	"github.com/alexaandru/go-sitter-forest/rust"
	"github.com/alexaandru/go-sitter-forest/solidity"
	"github.com/alexaandru/go-sitter-forest/tsx"
	"github.com/alexaandru/go-sitter-forest/typescript"
	sitter "github.com/alexaandru/go-tree-sitter-bare"
)

// Name identifies one of the grammars this package knows how to load.
type Name string

const (
	Rust       Name = "rust"
	Go         Name = "go"
	Solidity   Name = "solidity"
	TypeScript Name = "typescript"
	TSX        Name = "tsx"
)

var (
	cacheMu sync.Mutex
	cache   = map[Name]*sitter.Language{}
)

// Get returns the cached tree-sitter Language for name, loading it on first
// use. Returns an error for any name outside the five supported grammars.
func Get(name Name) (*sitter.Language, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if lang, ok := cache[name]; ok {
		return lang, nil
	}

	var lang *sitter.Language

	switch name {
	case Rust:
		lang = sitter.NewLanguage(rust.GetLanguage())
	case Go:
		lang = sitter.NewLanguage(golang.GetLanguage())
	case Solidity:
		lang = sitter.NewLanguage(solidity.GetLanguage())
	case TypeScript:
		lang = sitter.NewLanguage(typescript.GetLanguage())
	case TSX:
		lang = sitter.NewLanguage(tsx.GetLanguage())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, name)
	}

	cache[name] = lang

	return lang, nil
}

// ErrUnsupportedLanguage is returned by Get for any name not in the table.
var ErrUnsupportedLanguage = fmt.Errorf("unsupported tree-sitter language")

// Parse parses content with the grammar named by name, returning the
// resulting tree. Callers own the tree and must call tree.Close() when
// done with it (mirroring go-tree-sitter-bare's usual lifecycle).
func Parse(ctx context.Context, name Name, content []byte) (*sitter.Tree, error) {
	lang, err := Get(name)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseString(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	return tree, nil
}
