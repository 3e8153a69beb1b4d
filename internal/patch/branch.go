package patch

import (
	"encoding/binary"
	"fmt"

	"skyhook/internal/inst"
	"skyhook/internal/region"
)

// BranchKind selects B or BL.
type BranchKind int

const (
	Branch BranchKind = iota
	BranchLink
)

func (k BranchKind) String() string {
	if k == BranchLink {
		return "bl"
	}
	return "b"
}

// EncodeBranch returns the instruction word for a branch of kind k located at
// src and jumping to dst.
func EncodeBranch(k BranchKind, src, dst uintptr) (uint32, error) {
	return inst.EncodeBranch(k == BranchLink, src, dst)
}

// BranchBuilder replaces one instruction in Text with a branch.
//
//	// replace the instruction at text+0x14a8504 with a branch to text+0x14a853c
//	p.Branch().BranchOffset(0x14a8504).BranchToOffset(0x14a853c).Replace()
type BranchBuilder struct {
	p      *Patcher
	kind   BranchKind
	src    *uint64
	dstOff *uint64
	dstPtr *uintptr
}

// Branch starts a builder for a B instruction.
func (p *Patcher) Branch() *BranchBuilder {
	return &BranchBuilder{p: p, kind: Branch}
}

// BranchLink starts a builder for a BL instruction.
func (p *Patcher) BranchLink() *BranchBuilder {
	return &BranchBuilder{p: p, kind: BranchLink}
}

// BranchOffset sets the Text offset of the instruction to replace.
func (b *BranchBuilder) BranchOffset(offset uint64) *BranchBuilder {
	b.src = &offset
	return b
}

// BranchToOffset sets the destination as a Text offset.
func (b *BranchBuilder) BranchToOffset(offset uint64) *BranchBuilder {
	b.dstOff, b.dstPtr = &offset, nil
	return b
}

// BranchToPtr sets an absolute destination. It must be within 128 MiB of
// the replaced instruction.
func (b *BranchBuilder) BranchToPtr(ptr uintptr) *BranchBuilder {
	b.dstPtr, b.dstOff = &ptr, nil
	return b
}

// Resolve returns the absolute source and destination addresses.
func (b *BranchBuilder) Resolve() (src, dst uintptr) {
	if b.src == nil {
		panic("patch: offset is required to replace")
	}
	switch {
	case b.dstPtr != nil:
		dst = *b.dstPtr
	case b.dstOff != nil:
		dst = region.At(region.Text, *b.dstOff).Resolve(b.p.res)
	default:
		panic("patch: either BranchToPtr or BranchToOffset is required to replace")
	}
	return region.At(region.Text, *b.src).Resolve(b.p.res), dst
}

// Encode resolves both ends and returns the instruction word.
func (b *BranchBuilder) Encode() (uint32, error) {
	src, dst := b.Resolve()
	return EncodeBranch(b.kind, src, dst)
}

// Replace writes the branch. It panics when the source or destination is
// missing, when the destination is out of range, and when the write fails:
// a half-applied branch leaves the process in no state to continue.
func (b *BranchBuilder) Replace() {
	src, dst := b.Resolve()
	word, err := EncodeBranch(b.kind, src, dst)
	if err != nil {
		panic(err)
	}
	if err := b.p.At(src).put(binary.LittleEndian.AppendUint32(nil, word), 2); err != nil {
		panic(fmt.Errorf("failed to patch %s at 0x%x: %w", b.kind, src, err))
	}
}

// DecodeBranch reverses EncodeBranch for the word w found at pc. ok is false
// when w is not a B or BL.
func DecodeBranch(w uint32, pc uintptr) (k BranchKind, dst uintptr, ok bool) {
	dst, link, ok := inst.BranchTarget(w, pc)
	if link {
		k = BranchLink
	}
	return k, dst, ok
}
