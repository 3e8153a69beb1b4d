package inst

import (
	"errors"
	"fmt"
)

const (
	opcodeB  = 0b000101
	opcodeBL = 0b100101

	// MiB is one mebibyte.
	MiB = 0x100000
	// BranchRange is the reach of B/BL in either direction, in bytes.
	BranchRange = 128 * MiB

	maxWords = BranchRange / 4 // 2^25
)

var (
	ErrBranchOutOfRange = errors.New("branch target is out of range, must be within +/- 128 MiB")
	ErrMisaligned       = errors.New("branch source and destination must be 4-byte aligned")
)

// RangeError reports a branch whose displacement does not fit in imm26.
type RangeError struct {
	Src, Dst uintptr
	Distance int64 // in words
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%v: 0x%x -> 0x%x is %d words away", ErrBranchOutOfRange, e.Src, e.Dst, e.Distance)
}

func (e *RangeError) Unwrap() error { return ErrBranchOutOfRange }

// EncodeBranch builds a B (or BL when link is set) located at src that jumps
// to dst.
func EncodeBranch(link bool, src, dst uintptr) (uint32, error) {
	if src%4 != 0 || dst%4 != 0 {
		return 0, fmt.Errorf("%w: 0x%x -> 0x%x", ErrMisaligned, src, dst)
	}
	d := (int64(dst) - int64(src)) / 4
	if d < -maxWords || d >= maxWords {
		return 0, &RangeError{Src: src, Dst: dst, Distance: d}
	}
	opcode := uint32(opcodeB)
	if link {
		opcode = opcodeBL
	}
	return opcode<<26 | uint32(d)&0x03FFFFFF, nil
}

// BranchTarget returns the destination of the B or BL word w placed at pc.
// ok is false when w is neither.
func BranchTarget(w uint32, pc uintptr) (dst uintptr, link bool, ok bool) {
	switch i := Decode(w).(type) {
	case B:
		return uintptr(i.Target(uint64(pc))), false, true
	case Bl:
		return uintptr(i.Target(uint64(pc))), true, true
	}
	return 0, false, false
}
