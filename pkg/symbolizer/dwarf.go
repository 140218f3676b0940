package symbolizer

import (
	"context"
	"debug/dwarf"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/elastic/devfiler/pkg/model"
)

// funcNode is a concrete subprogram or an inlined instance of one.
type funcNode struct {
	name     string
	ranges   [][2]uint64
	callFile string
	callLine uint32
	children []*funcNode
}

func (n *funcNode) contains(addr uint64) bool {
	return rangesContain(n.ranges, addr)
}

func rangesContain(ranges [][2]uint64, addr uint64) bool {
	for _, r := range ranges {
		if addr >= r[0] && addr < r[1] {
			return true
		}
	}
	return false
}

type lineRow struct {
	addr uint64
	file string
	line uint32
	end  bool
}

type compUnit struct {
	funcs []*funcNode
	rows  []lineRow
}

func (u *compUnit) line(addr uint64) (string, uint32) {
	i := sort.Search(len(u.rows), func(i int) bool { return u.rows[i].addr > addr }) - 1
	if i < 0 || u.rows[i].end {
		return "", 0
	}
	return u.rows[i].file, u.rows[i].line
}

// symbolize walks from the physical function down to the innermost inlined
// instance containing addr. The returned symbol describes the physical
// function; Inlined lists the inlined frames innermost first.
func (u *compUnit) symbolize(addr uint64) (model.Symbol, bool) {
	var chain []*funcNode
	for nodes := u.funcs; ; {
		var next *funcNode
		for _, n := range nodes {
			if n.contains(addr) {
				next = n
				break
			}
		}
		if next == nil {
			break
		}
		chain = append(chain, next)
		nodes = next.children
	}
	if len(chain) == 0 {
		return model.Symbol{}, false
	}
	frames := make([]model.Symbol, len(chain))
	file, line := u.line(addr)
	for i := len(chain) - 1; i >= 0; i-- {
		frames[i] = model.Symbol{Function: chain[i].name, File: file, Line: line}
		// The call site of an inlined instance is the position inside
		// its caller.
		file, line = chain[i].callFile, chain[i].callLine
	}
	sym := frames[0]
	for i := len(frames) - 1; i > 0; i-- {
		sym.Inlined = append(sym.Inlined, frames[i])
	}
	return sym, true
}

type dwarfResolver struct {
	d     *dwarf.Data
	seek  *dwarf.Reader
	names map[dwarf.Offset]string
}

func newDWARFResolver(d *dwarf.Data) *dwarfResolver {
	return &dwarfResolver{
		d:     d,
		seek:  d.Reader(),
		names: make(map[dwarf.Offset]string),
	}
}

func corrupt(err error) error {
	return errors.Wrap(ErrDebugInfoMissing, err.Error())
}

// resolve symbolizes the sorted addresses. Only compilation units covering at
// least one of them are decoded.
func (r *dwarfResolver) resolve(ctx context.Context, addrs []uint64, out map[uint64]model.SymbolResult) error {
	rd := r.d.Reader()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := rd.Next()
		if err != nil {
			return corrupt(err)
		}
		if e == nil {
			return nil
		}
		if e.Tag != dwarf.TagCompileUnit && e.Tag != dwarf.TagPartialUnit {
			rd.SkipChildren()
			continue
		}
		ranges, err := r.d.Ranges(e)
		if err != nil {
			return corrupt(err)
		}
		var matched []uint64
		for _, a := range addrs {
			if rangesContain(ranges, a) {
				matched = append(matched, a)
			}
		}
		if len(matched) == 0 {
			rd.SkipChildren()
			continue
		}
		u, err := r.readUnit(rd, e)
		if err != nil {
			return err
		}
		for _, a := range matched {
			if sym, ok := u.symbolize(a); ok {
				out[a] = model.SymbolResult{Symbol: sym, Resolved: true}
			}
		}
	}
}

func (r *dwarfResolver) readUnit(rd *dwarf.Reader, cu *dwarf.Entry) (*compUnit, error) {
	u := new(compUnit)
	var files []*dwarf.LineFile
	lr, err := r.d.LineReader(cu)
	if err != nil {
		return nil, corrupt(err)
	}
	if lr != nil {
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				if err == io.EOF {
					break
				}
				return nil, corrupt(err)
			}
			row := lineRow{addr: le.Address, line: uint32(le.Line), end: le.EndSequence}
			if le.File != nil {
				row.file = le.File.Name
			}
			u.rows = append(u.rows, row)
		}
		files = lr.Files()
		sort.SliceStable(u.rows, func(i, j int) bool {
			a, b := u.rows[i], u.rows[j]
			if a.addr != b.addr {
				return a.addr < b.addr
			}
			return a.end && !b.end
		})
	}

	if !cu.Children {
		return u, nil
	}
	// stack holds the innermost function enclosing each open scope; nil
	// stands for the unit itself.
	stack := []*funcNode{nil}
	for len(stack) > 0 {
		e, err := rd.Next()
		if err != nil {
			return nil, corrupt(err)
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		parent := stack[len(stack)-1]
		cur := parent
		if e.Tag == dwarf.TagSubprogram || e.Tag == dwarf.TagInlinedSubroutine {
			ranges, err := r.d.Ranges(e)
			if err != nil {
				return nil, corrupt(err)
			}
			if len(ranges) > 0 {
				n := &funcNode{name: r.name(e), ranges: ranges}
				if e.Tag == dwarf.TagInlinedSubroutine {
					if i, ok := e.Val(dwarf.AttrCallFile).(int64); ok && i >= 0 && int(i) < len(files) && files[i] != nil {
						n.callFile = files[i].Name
					}
					if l, ok := e.Val(dwarf.AttrCallLine).(int64); ok {
						n.callLine = uint32(l)
					}
				}
				if parent == nil {
					u.funcs = append(u.funcs, n)
				} else {
					parent.children = append(parent.children, n)
				}
				cur = n
			}
		}
		if e.Children {
			stack = append(stack, cur)
		}
	}
	return u, nil
}

func (r *dwarfResolver) name(e *dwarf.Entry) string {
	if n, ok := e.Val(dwarf.AttrName).(string); ok {
		return n
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		if off, ok := e.Val(attr).(dwarf.Offset); ok {
			if n := r.nameAt(off); n != "" {
				return n
			}
		}
	}
	if n, ok := e.Val(dwarf.AttrLinkageName).(string); ok {
		return n
	}
	return ""
}

func (r *dwarfResolver) nameAt(off dwarf.Offset) string {
	if n, ok := r.names[off]; ok {
		return n
	}
	r.names[off] = ""
	r.seek.Seek(off)
	e, err := r.seek.Next()
	if err != nil || e == nil {
		return ""
	}
	n := r.name(e)
	r.names[off] = n
	return n
}
