package scan

import (
	"encoding/binary"
	"fmt"
	"iter"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"skyhook/internal/inst"
)

// Line is one rendered instruction of a listing.
type Line struct {
	Addr        uintptr
	Inst        inst.Instruction
	Mnemonic    string
	Operands    string
	Annotations []string
}

// String formats the line with fixed-width columns. It is plain text;
// colorization happens afterwards.
func (l Line) String() string {
	base := fmt.Sprintf("%-10x %08x  %-7s %-30s", l.Addr, l.Inst.Raw(), l.Mnemonic, l.Operands)
	if len(l.Annotations) > 0 {
		return fmt.Sprintf("%s ; %s", base, strings.Join(l.Annotations, ", "))
	}
	return strings.TrimRight(base, " ")
}

// Render disassembles in with the full ARM64 decoder for display. Words the
// full decoder rejects fall back to the form name from package inst.
func Render(addr uintptr, in inst.Instruction) Line {
	l := Line{Addr: addr, Inst: in}
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], in.Raw())
	full, err := arm64asm.Decode(raw[:])
	if err != nil {
		l.Mnemonic = in.Mnemonic()
		if _, unknown := in.(inst.Unknown); !unknown {
			l.Operands = strings.TrimPrefix(in.String(), in.Mnemonic()+" ")
		} else {
			l.Operands = fmt.Sprintf("0x%08x", in.Raw())
		}
		return l
	}
	text := strings.ToLower(full.String())
	l.Mnemonic, l.Operands, _ = strings.Cut(text, " ")
	switch in := in.(type) {
	case inst.B:
		l.Annotations = append(l.Annotations, fmt.Sprintf("-> 0x%x", in.Target(uint64(addr))))
	case inst.Bl:
		l.Annotations = append(l.Annotations, fmt.Sprintf("call 0x%x", in.Target(uint64(addr))))
	case inst.Cbz:
		l.Annotations = append(l.Annotations, fmt.Sprintf("-> 0x%x", in.Target(uint64(addr))))
	case inst.BCond:
		l.Annotations = append(l.Annotations, fmt.Sprintf("-> 0x%x", in.Target(uint64(addr))))
	}
	return l
}

// Listing renders the code region. ADD instructions completing an ADRP+ADD
// pair are annotated with the address they build and, when it points at a
// readable C string, the string itself.
func (s *Scanner) Listing(keep func(uintptr, inst.Instruction) bool) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		refs := make(map[uintptr]Ref)
		s.Refs(func(r Ref) bool {
			refs[r.Add] = r
			return true
		})
		for addr, in := range s.All() {
			if keep != nil && !keep(addr, in) {
				continue
			}
			l := Render(addr, in)
			if r, ok := refs[addr]; ok {
				l.Annotations = append(l.Annotations, fmt.Sprintf("=0x%x", r.Target))
				if str, err := s.CString(r.Target); err == nil && str != "" {
					l.Annotations = append(l.Annotations, fmt.Sprintf("%q", Escape([]byte(str))))
				}
			}
			if !yield(l) {
				return
			}
		}
	}
}
