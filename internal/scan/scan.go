// Package scan walks the executable's code region word by word and decodes
// each word with package inst.
package scan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"

	"skyhook/internal/engine"
	"skyhook/internal/inst"
	"skyhook/internal/region"
)

const chunkSize = 4096

// ErrNoReader is returned by New for engines that cannot read memory.
var ErrNoReader = errors.New("scan: engine cannot read memory")

// Scanner yields the instructions between the Text and Rodata bases.
// The bounds are fixed at construction; build a new Scanner to rescan.
type Scanner struct {
	mem   engine.Reader
	start uintptr
	end   uintptr
	err   error
}

// New resolves the Text and Rodata bases of eng.
func New(eng engine.Engine) (*Scanner, error) {
	mem, ok := eng.(engine.Reader)
	if !ok {
		return nil, ErrNoReader
	}
	res := region.NewResolver(eng)
	return &Scanner{mem: mem, start: res.Text(), end: res.Rodata()}, nil
}

// NewRange scans [start, end) of mem. Both ends are rounded down to a word.
func NewRange(mem engine.Reader, start, end uintptr) *Scanner {
	return &Scanner{mem: mem, start: start &^ 3, end: end &^ 3}
}

// Bounds returns the scanned range [start, end).
func (s *Scanner) Bounds() (start, end uintptr) { return s.start, s.end }

// Len returns the number of instruction words in range.
func (s *Scanner) Len() int {
	if s.end <= s.start {
		return 0
	}
	return int((s.end - s.start) / 4)
}

// Err returns the read error that cut the last iteration short, if any.
func (s *Scanner) Err() error { return s.err }

// All yields every word in range with its address, in address order.
func (s *Scanner) All() iter.Seq2[uintptr, inst.Instruction] {
	return func(yield func(uintptr, inst.Instruction) bool) {
		s.err = nil
		for w := range s.words() {
			if !yield(w.addr, inst.Decode(w.word)) {
				return
			}
		}
	}
}

// Filter yields only the instructions for which keep returns true.
func (s *Scanner) Filter(keep func(uintptr, inst.Instruction) bool) iter.Seq2[uintptr, inst.Instruction] {
	return func(yield func(uintptr, inst.Instruction) bool) {
		for addr, in := range s.All() {
			if keep(addr, in) && !yield(addr, in) {
				return
			}
		}
	}
}

// Mnemonic keeps instructions whose mnemonic is one of names.
func Mnemonic(names ...string) func(uintptr, inst.Instruction) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(_ uintptr, in inst.Instruction) bool { return set[in.Mnemonic()] }
}

type word struct {
	addr uintptr
	word uint32
}

func (s *Scanner) words() iter.Seq[word] {
	return func(yield func(word) bool) {
		buf := make([]byte, chunkSize)
		for base := s.start; base+4 <= s.end; base += chunkSize {
			n := min(uintptr(chunkSize), (s.end-base)&^3)
			chunk := buf[:n]
			if err := s.mem.ReadMemory(base, chunk); err != nil {
				s.err = fmt.Errorf("scan 0x%x: %w", base, err)
				return
			}
			for i := 0; i+4 <= len(chunk); i += 4 {
				if !yield(word{base + uintptr(i), binary.LittleEndian.Uint32(chunk[i:])}) {
					return
				}
			}
		}
	}
}
