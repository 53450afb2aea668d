package partition

import (
	"fmt"
	"strings"
)

const uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// AlphabetConfig selects the symbol set used to narrow a field.
type AlphabetConfig struct {
	ChunkSize int      `mapstructure:"chunk_size"`
	Digits    bool     `mapstructure:"digits"`
	Extra     []string `mapstructure:"extra"`
}

// Alphabet produces the ordered narrowing symbols. It holds no mutable state,
// so repeated traversals after a restart visit children in the same order.
type Alphabet struct {
	symbols []string
}

// NewAlphabet builds the symbol set: A-Z, optionally 0-9 and extra symbols,
// combined into every chunk of ChunkSize characters.
func NewAlphabet(cfg AlphabetConfig) (Alphabet, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1
	}
	if cfg.ChunkSize < 0 || cfg.ChunkSize > 3 {
		return Alphabet{}, fmt.Errorf("alphabet chunk size must be between 1 and 3, got %d", cfg.ChunkSize)
	}

	base := make([]string, 0, len(uppercase)+10+len(cfg.Extra))
	seen := make(map[string]struct{})
	add := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		base = append(base, s)
	}
	for _, r := range uppercase {
		add(string(r))
	}
	if cfg.Digits {
		for r := '0'; r <= '9'; r++ {
			add(string(r))
		}
	}
	for _, e := range cfg.Extra {
		e = strings.ToUpper(strings.TrimSpace(e))
		if e == "" || strings.Contains(e, "|") {
			continue
		}
		add(e)
	}

	symbols := base
	for i := 1; i < cfg.ChunkSize; i++ {
		next := make([]string, 0, len(symbols)*len(base))
		for _, prefix := range symbols {
			for _, s := range base {
				next = append(next, prefix+s)
			}
		}
		symbols = next
	}
	return Alphabet{symbols: symbols}, nil
}

// DefaultAlphabet returns the single-letter A-Z alphabet.
func DefaultAlphabet() Alphabet {
	a, _ := NewAlphabet(AlphabetConfig{ChunkSize: 1})
	return a
}

// SymbolsFor returns the symbols appended to parentPrefix when narrowing
// field. The symbol set does not currently vary by field or prefix.
func (a Alphabet) SymbolsFor(_ Field, _ string) []string {
	out := make([]string, len(a.symbols))
	copy(out, a.symbols)
	return out
}

// Len reports the number of symbols per narrowing step.
func (a Alphabet) Len() int {
	return len(a.symbols)
}
