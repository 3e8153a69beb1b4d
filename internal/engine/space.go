package engine

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"skyhook/internal/inst"
	"skyhook/internal/region"
)

// Segment is one mapped range of a [Space].
type Segment struct {
	Name     string
	Region   region.Region
	Base     uintptr
	Mem      []byte
	Writable bool
}

// End returns the first address past the segment.
func (s *Segment) End() uintptr { return s.Base + uintptr(len(s.Mem)) }

func (s *Segment) contains(addr uintptr, n int) bool {
	return addr >= s.Base && addr+uintptr(n) <= s.End() && addr+uintptr(n) >= addr
}

// HookRecord describes one hook installed into a [Space].
type HookRecord struct {
	Target  uintptr
	Replace uintptr
	Stub    uintptr // heap address the target now branches to
	Inline  bool
}

// Space is an in-memory address space that implements the full engine
// contract. Hooks are simulated: the target's first instruction is copied
// into a heap stub and replaced with a branch, so the first instruction must
// not be PC-relative for the stub to be executable.
type Space struct {
	mu      sync.RWMutex
	segs    []*Segment
	symbols map[string]uintptr
	hooks   []HookRecord
	heapTop uintptr
	bases   map[region.Region]uintptr

	// EnforceProtection makes MemCopy refuse writes to read-only segments.
	// Real engines bypass protection, so it is off by default.
	EnforceProtection bool
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{symbols: make(map[string]uintptr), bases: make(map[region.Region]uintptr)}
}

// SetRegionBase pins the base reported for r, for regions that start inside
// a segment rather than at its first byte.
func (s *Space) SetRegionBase(r region.Region, addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bases[r] = addr
}

// Map adds a segment. The first segment mapped for a region defines that
// region's base address.
func (s *Space) Map(seg Segment) error {
	if len(seg.Mem) == 0 {
		return fmt.Errorf("map %s: empty segment", seg.Name)
	}
	if seg.Base == 0 {
		return fmt.Errorf("map %s: null base", seg.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.segs {
		if seg.Base < o.End() && o.Base < seg.Base+uintptr(len(seg.Mem)) {
			return fmt.Errorf("map %s: overlaps %s [0x%x, 0x%x)", seg.Name, o.Name, o.Base, o.End())
		}
	}
	s.segs = append(s.segs, &seg)
	slices.SortFunc(s.segs, func(a, b *Segment) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
	if seg.Region == region.Heap && s.heapTop == 0 {
		s.heapTop = seg.Base
	}
	return nil
}

// Segments returns the mapped segments in address order.
func (s *Space) Segments() []Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Segment, len(s.segs))
	for i, seg := range s.segs {
		out[i] = *seg
	}
	return out
}

// AddSymbol registers name at addr for [Space.LookupSymbol].
func (s *Space) AddSymbol(name string, addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[name] = addr
}

// Hooks returns the hooks installed so far.
func (s *Space) Hooks() []HookRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.hooks)
}

// RegionAddress returns the pinned base of r, else the lowest base mapped
// for r, or 0.
func (s *Space) RegionAddress(r region.Region) uintptr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if addr, ok := s.bases[r]; ok {
		return addr
	}
	for _, seg := range s.segs {
		if seg.Region == r {
			return seg.Base
		}
	}
	return 0
}

func (s *Space) find(addr uintptr, n int) *Segment {
	for _, seg := range s.segs {
		if seg.contains(addr, n) {
			return seg
		}
	}
	return nil
}

func (s *Space) MemCopy(dst uintptr, src []byte) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(dst, src)
}

func (s *Space) copyLocked(dst uintptr, src []byte) Status {
	seg := s.find(dst, len(src))
	if seg == nil {
		return StatusUnmapped
	}
	if s.EnforceProtection && !seg.Writable {
		return StatusReadOnly
	}
	copy(seg.Mem[dst-seg.Base:], src)
	return StatusOK
}

// ReadMemory reads across adjacent segments.
func (s *Space) ReadMemory(addr uintptr, buf []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, n := addr, len(buf)
	for len(buf) > 0 {
		seg := s.find(addr, 1)
		if seg == nil {
			return fmt.Errorf("read 0x%x (%d bytes): 0x%x not mapped", start, n, addr)
		}
		c := copy(buf, seg.Mem[addr-seg.Base:])
		buf, addr = buf[c:], addr+uintptr(c)
	}
	if n == 0 && s.find(addr, 0) == nil {
		return fmt.Errorf("read 0x%x: address not mapped", addr)
	}
	return nil
}

// LookupSymbol matches the raw symbol name first, then its demangled form.
func (s *Space) LookupSymbol(name string) (uintptr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if addr, ok := s.symbols[name]; ok {
		return addr, true
	}
	for sym, addr := range s.symbols {
		if demangle.Filter(sym, demangle.NoParams) == name || demangle.Filter(sym) == name {
			return addr, true
		}
	}
	return 0, false
}

// HookFunction stores a trampoline running the displaced first instruction
// of target and then branching back to target+4, and redirects target to
// replace.
func (s *Space) HookFunction(target, replace uintptr, orig *uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.mustWord(target)
	tramp := s.allocLocked(8)
	s.putWord(tramp, first)
	s.putWord(tramp+4, mustBranch(false, tramp+4, target+4))
	s.putWord(target, mustBranch(false, target, replace))

	if orig != nil {
		*orig = tramp
	}
	s.hooks = append(s.hooks, HookRecord{Target: target, Replace: replace, Stub: tramp})
}

// InlineHook redirects target to a stub that calls replace, runs the
// displaced instruction and resumes at target+4.
func (s *Space) InlineHook(target, replace uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.mustWord(target)
	stub := s.allocLocked(12)
	s.putWord(stub, mustBranch(true, stub, replace))
	s.putWord(stub+4, first)
	s.putWord(stub+8, mustBranch(false, stub+8, target+4))
	s.putWord(target, mustBranch(false, target, stub))

	s.hooks = append(s.hooks, HookRecord{Target: target, Replace: replace, Stub: stub, Inline: true})
}

func (s *Space) allocLocked(n uintptr) uintptr {
	if s.heapTop == 0 {
		panic("engine: no heap mapped for hook stubs")
	}
	addr := s.heapTop
	if s.find(addr, int(n)) == nil {
		panic(fmt.Sprintf("engine: heap exhausted at 0x%x", addr))
	}
	s.heapTop += n
	return addr
}

func (s *Space) mustWord(addr uintptr) uint32 {
	seg := s.find(addr, 4)
	if seg == nil {
		panic(fmt.Sprintf("engine: hook target 0x%x is not mapped", addr))
	}
	return binary.LittleEndian.Uint32(seg.Mem[addr-seg.Base:])
}

func (s *Space) putWord(addr uintptr, w uint32) {
	// hooks write through protection, like MemCopy on a real engine
	seg := s.find(addr, 4)
	if seg == nil {
		panic(fmt.Sprintf("engine: write 0x%x failed with %s", addr, StatusUnmapped))
	}
	binary.LittleEndian.PutUint32(seg.Mem[addr-seg.Base:], w)
}

func mustBranch(link bool, src, dst uintptr) uint32 {
	w, err := inst.EncodeBranch(link, src, dst)
	if err != nil {
		panic(fmt.Sprintf("engine: %v", err))
	}
	return w
}
