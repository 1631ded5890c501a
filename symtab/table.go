package symtab

import (
	"debug/elf"

	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
)

// Table is an ordered symbol collection with exact-name lookup.
type Table struct {
	symbols []Symbol
	byName  map[string][]int
}

func NewTable(symbols []Symbol) *Table {
	t := &Table{
		symbols: symbols,
		byName:  make(map[string][]int, len(symbols)),
	}
	for i, s := range symbols {
		t.byName[s.Name] = append(t.byName[s.Name], i)
	}
	return t
}

// ReadTable is ReadSymbols wrapped in a Table.
func ReadTable(data []byte, typ elf.SectionType) (*Table, error) {
	syms, err := ReadSymbols(data, typ)
	if err != nil {
		return nil, err
	}
	return NewTable(syms), nil
}

func (t *Table) Len() int { return len(t.symbols) }

func (t *Table) Symbols() []Symbol { return t.symbols }

// Lookup returns the symbol named exactly name. Several entries under one
// name are accepted only when they agree on the value; otherwise the choice
// would be arbitrary and ErrDuplicateSymbol is returned.
func (t *Table) Lookup(name string) (Symbol, error) {
	idx := t.byName[name]
	if len(idx) == 0 {
		return Symbol{}, errors.Wrap(ErrSymbolNotFound, name)
	}
	first := t.symbols[idx[0]]
	for _, i := range idx[1:] {
		if t.symbols[i].Value != first.Value {
			return Symbol{}, errors.Wrapf(ErrDuplicateSymbol, "%s at %#x and %#x", name, first.Value, t.symbols[i].Value)
		}
	}
	return first, nil
}

// Demangled returns the human readable form of the symbol name, or the name
// itself when it is not a mangled C++ or Rust name.
func (s Symbol) Demangled() string {
	return demangle.Filter(s.Name, demangle.NoClones)
}
