package scan

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"skyhook/internal/inst"
)

const (
	// PairWindow is how many instructions an ADD may trail its ADRP.
	PairWindow = 32
	// MaxStringLength bounds C string reads.
	MaxStringLength = 256
)

// Ref is an ADRP+ADD pair that materializes an absolute address in Reg.
type Ref struct {
	Adrp   uintptr
	Add    uintptr
	Reg    uint8
	Target uintptr
}

type page struct {
	at    uintptr
	index int
	base  uint64
}

// Refs yields every ADRP+ADD pair in the code region. An ADRP is paired with
// the first later ADD (within PairWindow instructions) that reads its
// destination register.
func (s *Scanner) Refs(yield func(Ref) bool) {
	pending := make(map[uint8]page)
	i := 0
	for addr, in := range s.All() {
		switch in := in.(type) {
		case inst.Adrp:
			pending[in.Rd] = page{at: addr, index: i, base: in.Target(uint64(addr))}
		case inst.Add:
			if p, ok := pending[in.Rn]; ok && i-p.index <= PairWindow {
				delete(pending, in.Rn)
				ref := Ref{Adrp: p.at, Add: addr, Reg: in.Rd, Target: uintptr(p.base + in.Value())}
				if !yield(ref) {
					return
				}
			}
		}
		i++
	}
}

// FindAdrpAdd returns the pairs that materialize target.
func (s *Scanner) FindAdrpAdd(target uintptr) ([]Ref, error) {
	var out []Ref
	s.Refs(func(r Ref) bool {
		if r.Target == target {
			out = append(out, r)
		}
		return true
	})
	return out, s.err
}

// CString reads the NUL-terminated string at addr, up to MaxStringLength bytes.
func (s *Scanner) CString(addr uintptr) (string, error) {
	buf := make([]byte, MaxStringLength)
	for n := len(buf); n > 0; n /= 2 {
		// shrink the read until it fits inside the mapping
		if err := s.mem.ReadMemory(addr, buf[:n]); err == nil {
			if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
				return string(buf[:i]), nil
			}
			return string(buf[:n]), nil
		}
	}
	return "", fmt.Errorf("cstring at 0x%x: not mapped", addr)
}

// Escape keeps printable runes and escapes the rest as \uXXXX, or \xXX for
// invalid UTF-8.
func Escape(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		switch {
		case r == utf8.RuneError && size == 1:
			fmt.Fprintf(&sb, "\\x%02X", b[0])
		case unicode.IsPrint(r):
			sb.WriteRune(r)
		default:
			fmt.Fprintf(&sb, "\\u%04X", r)
		}
		b = b[size:]
	}
	return sb.String()
}
