package model

import "fmt"

// Symbol is the source location an address resolves to. Inlined holds the
// calls that were inlined at the address, innermost first; the top level
// fields describe the physical function the code belongs to.
type Symbol struct {
	Function string   `json:"function"`
	File     string   `json:"file,omitempty"`
	Line     uint32   `json:"line,omitempty"`
	Inlined  []Symbol `json:"inlined,omitempty"`
}

// Resolution tells a query consumer what it can expect from a frame.
type Resolution uint8

const (
	// ResolutionPending frames are queued for symbolization.
	ResolutionPending Resolution = iota
	ResolutionResolved
	// ResolutionUnresolved frames cannot be symbolized with the information
	// currently available.
	ResolutionUnresolved
)

func (r Resolution) String() string {
	switch r {
	case ResolutionPending:
		return "pending"
	case ResolutionResolved:
		return "resolved"
	case ResolutionUnresolved:
		return "unresolved"
	}
	return fmt.Sprintf("resolution(%d)", uint8(r))
}

func (r Resolution) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Resolution) UnmarshalText(b []byte) error {
	for v := ResolutionPending; v <= ResolutionUnresolved; v++ {
		if v.String() == string(b) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown resolution %q", b)
}

// UnsymbolizedName is the display name of a native frame without a symbol.
func UnsymbolizedName(addr uint64) string {
	return fmt.Sprintf("+0x%016x", addr)
}

// DisplayName returns the function name to show for a frame.
func DisplayName(f Frame, sym *Symbol) string {
	switch {
	case f.Kind.IsAbort():
		return "<abort>"
	case f.Kind.IsError():
		return fmt.Sprintf("<error: %s>", f.Kind)
	case sym != nil && sym.Function != "":
		return sym.Function
	case f.Kind.IsNative():
		return UnsymbolizedName(f.Address)
	}
	return fmt.Sprintf("<unknown %s frame>", f.Kind)
}

// SymbolResult is the outcome of symbolizing one address. Unresolved
// results are as final as resolved ones for a given executable.
type SymbolResult struct {
	Symbol   Symbol `json:"symbol"`
	Resolved bool   `json:"resolved"`
}
