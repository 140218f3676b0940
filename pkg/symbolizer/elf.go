package symbolizer

import (
	"debug/dwarf"
	"debug/elf"
	"sort"

	"github.com/pkg/errors"
)

// ErrDebugInfoMissing is returned when an executable carries neither usable
// DWARF nor a symbol table, or when its debug info cannot be parsed.
var ErrDebugInfoMissing = errors.New("debug info missing")

type elfFunc struct {
	name  string
	start uint64
	end   uint64
}

// symtab is the fallback table built from .symtab and .dynsym.
type symtab []elfFunc

func newSymtab(f *elf.File) symtab {
	var funcs symtab
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Name == "" {
				continue
			}
			funcs = append(funcs, elfFunc{name: s.Name, start: s.Value, end: s.Value + s.Size})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.Slice(funcs, func(i, j int) bool {
		if funcs[i].start == funcs[j].start {
			return funcs[i].end > funcs[j].end
		}
		return funcs[i].start < funcs[j].start
	})
	return funcs
}

func (t symtab) lookup(addr uint64) (string, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].start > addr }) - 1
	for ; i >= 0; i-- {
		f := t[i]
		if addr < f.end || (f.end == f.start && addr == f.start) {
			return f.name, true
		}
		// Symbols of zero size only match their exact address, keep
		// looking for an enclosing one.
		if f.end != f.start {
			return "", false
		}
	}
	return "", false
}

func hasDWARF(f *elf.File) bool {
	for _, name := range []string{".debug_info", ".zdebug_info"} {
		if s := f.Section(name); s != nil && s.Type != elf.SHT_NOBITS {
			return true
		}
	}
	return false
}

// debugInfo is the parsed form of a single executable.
type debugInfo struct {
	dwarf  *dwarf.Data
	symtab symtab
}

func loadDebugInfo(f *elf.File) (*debugInfo, error) {
	di := &debugInfo{symtab: newSymtab(f)}
	if hasDWARF(f) {
		d, err := f.DWARF()
		if err != nil {
			return nil, errors.Wrap(ErrDebugInfoMissing, err.Error())
		}
		di.dwarf = d
	}
	if di.dwarf == nil && len(di.symtab) == 0 {
		return nil, errors.Wrap(ErrDebugInfoMissing, "no dwarf and no symbol table")
	}
	return di, nil
}
