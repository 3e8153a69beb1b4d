// Package patch writes bytes, values, strings, NOPs and branches into the
// running executable through the engine's memory copy primitive.
//
// Every write funnels through one place; a failed copy comes back as an
// *OsError naming the caller of the patch method. Writes are not length
// checked against their destination: the caller must know how much room
// there is.
package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/charmbracelet/log"

	"skyhook/internal/engine"
	"skyhook/internal/region"
)

// Nop is the ARM64 NOP instruction.
const Nop uint32 = 0xD503201F

// Patcher creates builders for addresses in the running executable.
type Patcher struct {
	eng    engine.Engine
	res    *region.Resolver
	logger *log.Logger
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithLogger sets the logger used for debug output of each write.
func WithLogger(l *log.Logger) Option {
	return func(p *Patcher) { p.logger = l }
}

// New returns a Patcher writing through eng.
func New(eng engine.Engine, opts ...Option) *Patcher {
	p := &Patcher{eng: eng, res: region.NewResolver(eng)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Resolver returns the resolver used for region-relative addresses.
func (p *Patcher) Resolver() *region.Resolver { return p.res }

// At returns a builder for an absolute address.
func (p *Patcher) At(ptr uintptr) *Builder {
	return &Builder{eng: p.eng, addr: ptr, logger: p.logger}
}

// InSection returns a builder for offset bytes into r.
func (p *Patcher) InSection(r region.Region, offset uint64) *Builder {
	return p.At(region.At(r, offset).Resolve(p.res))
}

func (p *Patcher) InText(offset uint64) *Builder   { return p.InSection(region.Text, offset) }
func (p *Patcher) InRodata(offset uint64) *Builder { return p.InSection(region.Rodata, offset) }
func (p *Patcher) InData(offset uint64) *Builder   { return p.InSection(region.Data, offset) }
func (p *Patcher) InBss(offset uint64) *Builder    { return p.InSection(region.Bss, offset) }
func (p *Patcher) InHeap(offset uint64) *Builder   { return p.InSection(region.Heap, offset) }

// AtOffset keeps offset unresolved until a region is chosen. Branch helpers
// on the result treat it as relative to Text.
func (p *Patcher) AtOffset(offset uint64) Offset {
	return Offset{p: p, off: offset}
}

// PatchPointer writes v at ptr+offset.
func (p *Patcher) PatchPointer(ptr uintptr, offset int64, v any) error {
	buf, err := encode(v)
	if err != nil {
		return err
	}
	return p.At(uintptr(int64(ptr)+offset)).put(buf, 2)
}

// NopPointer writes a NOP at ptr+offset.
func (p *Patcher) NopPointer(ptr uintptr, offset int64) error {
	return p.At(uintptr(int64(ptr)+offset)).put(nopBytes(), 2)
}

// Offset is an offset not yet bound to a region.
type Offset struct {
	p   *Patcher
	off uint64
}

// InSection binds the offset to r.
func (o Offset) InSection(r region.Region) *Builder {
	return o.p.InSection(r, o.off)
}

// BranchTo replaces the instruction at Text+offset with a B to Text+dst.
func (o Offset) BranchTo(dst uint64) {
	o.p.Branch().BranchOffset(o.off).BranchToOffset(dst).Replace()
}

// BranchToRelative is BranchTo with dst relative to the offset itself.
func (o Offset) BranchToRelative(delta uint64) {
	o.p.Branch().BranchOffset(o.off).BranchToOffset(o.off + delta).Replace()
}

// BranchLinkTo replaces the instruction at Text+offset with a BL to Text+dst.
func (o Offset) BranchLinkTo(dst uint64) {
	o.p.BranchLink().BranchOffset(o.off).BranchToOffset(dst).Replace()
}

// BranchLinkToRelative is BranchLinkTo with dst relative to the offset itself.
func (o Offset) BranchLinkToRelative(delta uint64) {
	o.p.BranchLink().BranchOffset(o.off).BranchToOffset(o.off + delta).Replace()
}

// Builder writes to one absolute address.
type Builder struct {
	eng    engine.Engine
	addr   uintptr
	logger *log.Logger
}

// Addr returns the target address.
func (b *Builder) Addr() uintptr { return b.addr }

// Write copies p to the target.
func (b *Builder) Write(p []byte) error {
	return b.put(p, 2)
}

// Bytes copies p to the target verbatim.
func (b *Builder) Bytes(p []byte) error {
	return b.put(p, 2)
}

// Data writes the little-endian encoding of v, which must have a fixed size
// (see encoding/binary).
func (b *Builder) Data(v any) error {
	buf, err := encode(v)
	if err != nil {
		return err
	}
	return b.put(buf, 2)
}

// CStr writes s followed by a NUL terminator. The length of the string being
// replaced is not checked; use CStrFit for that.
func (b *Builder) CStr(s string) error {
	return b.put(append([]byte(s), 0), 2)
}

// CStrFit is CStr that first reads the NUL-terminated string at the target
// and fails with ErrStringTooLong if s is longer.
func (b *Builder) CStrFit(s string) error {
	r, ok := b.eng.(engine.Reader)
	if !ok {
		return fmt.Errorf("cstr at 0x%x: engine cannot read memory", b.addr)
	}
	cur := make([]byte, len(s))
	if err := r.ReadMemory(b.addr, cur); err != nil {
		return fmt.Errorf("cstr at 0x%x: %w", b.addr, err)
	}
	if n := bytes.IndexByte(cur, 0); n >= 0 {
		return fmt.Errorf("%w: %d bytes into a %d byte string at 0x%x", ErrStringTooLong, len(s), n, b.addr)
	}
	return b.put(append([]byte(s), 0), 2)
}

// Nop writes the 4-byte NOP instruction.
func (b *Builder) Nop() error {
	return b.put(nopBytes(), 2)
}

// put is the single write path. skip is the number of frames between put
// and the code that should be blamed for a failure.
func (b *Builder) put(p []byte, skip int) error {
	if st := b.eng.MemCopy(b.addr, p); !st.OK() {
		err := newOsError(st, skip)
		if b.logger != nil {
			b.logger.Error("patch failed", "addr", fmt.Sprintf("0x%x", b.addr), "size", len(p), "err", err)
		}
		return err
	}
	if b.logger != nil {
		b.logger.Debug("patched", "addr", fmt.Sprintf("0x%x", b.addr), "size", len(p))
	}
	return nil
}

func nopBytes() []byte {
	return binary.LittleEndian.AppendUint32(nil, Nop)
}

func encode(v any) ([]byte, error) {
	if binary.Size(v) < 0 {
		return nil, fmt.Errorf("%w: %T", ErrNotFixedSize, v)
	}
	return binary.Append(nil, binary.LittleEndian, v)
}
