// Package inst decodes the handful of ARM64 instruction forms used when
// scanning code for patterns, and encodes B/BL branches.
//
// Decoding is total: any word that matches none of the known forms comes back
// as [Unknown].
package inst

import "fmt"

// Instruction is one decoded ARM64 word.
type Instruction interface {
	// Raw returns the encoded word.
	Raw() uint32
	// Mnemonic returns the lowercase instruction name.
	Mnemonic() string
	fmt.Stringer
}

// Ldr is LDR Xt, [Xn, #imm] (64-bit, unsigned offset).
type Ldr struct {
	Word   uint32
	Imm    uint16 // imm12, scaled by 8
	Rn, Rt uint8
}

// Offset returns the byte offset added to Rn.
func (i Ldr) Offset() uint64 { return uint64(i.Imm) << 3 }

// Add is ADD Xd, Xn, #imm{, LSL #12} (64-bit immediate).
type Add struct {
	Word   uint32
	Shift  uint8 // 1 means the immediate is shifted left by 12
	Imm    uint16
	Rn, Rd uint8
}

// Value returns the immediate after applying the shift.
func (i Add) Value() uint64 { return uint64(i.Imm) << (12 * uint64(i.Shift)) }

// Adrp is ADRP Xd, label.
type Adrp struct {
	Word uint32
	Imm  uint64 // (immhi << 14) + (immlo << 12)
	Rd   uint8
}

// Offset returns the signed page offset encoded by the instruction.
func (i Adrp) Offset() int64 { return signExtend64(i.Imm, 33) }

// Target returns the page address computed when the instruction runs at pc.
func (i Adrp) Target(pc uint64) uint64 {
	return uint64(int64(pc&^0xFFF) + i.Offset())
}

// Ldur is LDUR Xt, [Xn, #simm] (64-bit, unscaled).
type Ldur struct {
	Word   uint32
	Imm    int16 // simm9
	Rn, Rt uint8
}

// Ldrb is LDRB Wt, [Xn, #imm] (unsigned offset).
type Ldrb struct {
	Word   uint32
	Imm    uint16
	Rn, Rt uint8
}

// Sub is SUB Wd, Wn, #imm{, LSL #12} (32-bit immediate).
type Sub struct {
	Word   uint32
	Shift  uint8
	Imm    uint16
	Rn, Rd uint8
}

// Value returns the immediate after applying the shift.
func (i Sub) Value() uint64 { return uint64(i.Imm) << (12 * uint64(i.Shift)) }

// And is AND Wd, Wn, #imm (32-bit bitmask immediate).
type And struct {
	Word   uint32
	Imm    uint16 // (imms << 6) + immr
	Rn, Rd uint8
}

func (i And) Immr() uint8 { return uint8(i.Imm & 0x3F) }
func (i And) Imms() uint8 { return uint8(i.Imm >> 6) }

// Mask decodes the bitmask immediate. ok is false for reserved encodings.
func (i And) Mask() (mask uint32, ok bool) {
	return decodeBitMask32(i.Imms(), i.Immr())
}

// Mov is MOV Rd, Rm, the ORR (shifted register) alias with a zero register
// as the first source.
type Mov struct {
	Word       uint32
	Imm        uint8 // LSL amount, zero for a plain move
	Rm, Rn, Rd uint8
	Wide       bool // X registers instead of W
}

// Bl is BL label.
type Bl struct {
	Word uint32
	Imm  int32 // imm26, in words
}

// Target returns the destination when the instruction runs at pc.
func (i Bl) Target(pc uint64) uint64 { return uint64(int64(pc) + int64(i.Imm)*4) }

// B is B label.
type B struct {
	Word uint32
	Imm  int32 // imm26, in words
}

// Target returns the destination when the instruction runs at pc.
func (i B) Target(pc uint64) uint64 { return uint64(int64(pc) + int64(i.Imm)*4) }

// Ldrsw is LDRSW Xt, [Xn, #imm] (unsigned offset).
type Ldrsw struct {
	Word   uint32
	Imm    uint16 // imm12, scaled by 4
	Rn, Rt uint8
}

// Offset returns the byte offset added to Rn.
func (i Ldrsw) Offset() uint64 { return uint64(i.Imm) << 2 }

// Cbz is CBZ Wt, label (32-bit).
type Cbz struct {
	Word uint32
	Imm  int32 // imm19, in words
	Rt   uint8
}

// Target returns the destination when the instruction runs at pc.
func (i Cbz) Target(pc uint64) uint64 { return uint64(int64(pc) + int64(i.Imm)*4) }

// Cmp is CMP Wn, #imm{, LSL #12} (32-bit immediate).
type Cmp struct {
	Word  uint32
	Shift uint8
	Imm   uint16
	Rn    uint8
}

// BCond is B.cond label.
type BCond struct {
	Word uint32
	Imm  int32 // imm19, in words
	Cond uint8
}

// Target returns the destination when the instruction runs at pc.
func (i BCond) Target(pc uint64) uint64 { return uint64(int64(pc) + int64(i.Imm)*4) }

// CondName returns the condition suffix, e.g. "eq".
func (i BCond) CondName() string { return condNames[i.Cond&0xF] }

// Unknown is any word not recognised by [Decode].
type Unknown uint32

var condNames = [16]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "al", "nv",
}

func (i Ldr) Raw() uint32     { return i.Word }
func (i Add) Raw() uint32     { return i.Word }
func (i Adrp) Raw() uint32    { return i.Word }
func (i Ldur) Raw() uint32    { return i.Word }
func (i Ldrb) Raw() uint32    { return i.Word }
func (i Sub) Raw() uint32     { return i.Word }
func (i And) Raw() uint32     { return i.Word }
func (i Mov) Raw() uint32     { return i.Word }
func (i Bl) Raw() uint32      { return i.Word }
func (i B) Raw() uint32       { return i.Word }
func (i Ldrsw) Raw() uint32   { return i.Word }
func (i Cbz) Raw() uint32     { return i.Word }
func (i Cmp) Raw() uint32     { return i.Word }
func (i BCond) Raw() uint32   { return i.Word }
func (i Unknown) Raw() uint32 { return uint32(i) }

func (Ldr) Mnemonic() string     { return "ldr" }
func (Add) Mnemonic() string     { return "add" }
func (Adrp) Mnemonic() string    { return "adrp" }
func (Ldur) Mnemonic() string    { return "ldur" }
func (Ldrb) Mnemonic() string    { return "ldrb" }
func (Sub) Mnemonic() string     { return "sub" }
func (And) Mnemonic() string     { return "and" }
func (Mov) Mnemonic() string     { return "mov" }
func (Bl) Mnemonic() string      { return "bl" }
func (B) Mnemonic() string       { return "b" }
func (Ldrsw) Mnemonic() string   { return "ldrsw" }
func (Cbz) Mnemonic() string     { return "cbz" }
func (Cmp) Mnemonic() string     { return "cmp" }
func (i BCond) Mnemonic() string { return "b." + i.CondName() }
func (Unknown) Mnemonic() string { return ".word" }

func (i Ldr) String() string {
	return fmt.Sprintf("ldr x%d, [%s, #0x%x]", i.Rt, xreg(i.Rn), i.Offset())
}

func (i Add) String() string {
	if i.Shift != 0 {
		return fmt.Sprintf("add %s, %s, #0x%x, lsl #12", xreg(i.Rd), xreg(i.Rn), i.Imm)
	}
	return fmt.Sprintf("add %s, %s, #0x%x", xreg(i.Rd), xreg(i.Rn), i.Imm)
}

func (i Adrp) String() string {
	return fmt.Sprintf("adrp x%d, #%d", i.Rd, i.Offset())
}

func (i Ldur) String() string {
	return fmt.Sprintf("ldur x%d, [%s, #%d]", i.Rt, xreg(i.Rn), i.Imm)
}

func (i Ldrb) String() string {
	return fmt.Sprintf("ldrb w%d, [%s, #0x%x]", i.Rt, xreg(i.Rn), i.Imm)
}

func (i Sub) String() string {
	if i.Shift != 0 {
		return fmt.Sprintf("sub %s, %s, #0x%x, lsl #12", wreg(i.Rd), wreg(i.Rn), i.Imm)
	}
	return fmt.Sprintf("sub %s, %s, #0x%x", wreg(i.Rd), wreg(i.Rn), i.Imm)
}

func (i And) String() string {
	if m, ok := i.Mask(); ok {
		return fmt.Sprintf("and %s, w%d, #0x%x", wreg(i.Rd), i.Rn, m)
	}
	return fmt.Sprintf("and %s, w%d, #<reserved %#x>", wreg(i.Rd), i.Rn, i.Imm)
}

func (i Mov) String() string {
	p := "w"
	if i.Wide {
		p = "x"
	}
	if i.Imm != 0 {
		return fmt.Sprintf("mov %s%d, %s%d, lsl #%d", p, i.Rd, p, i.Rm, i.Imm)
	}
	return fmt.Sprintf("mov %s%d, %s%d", p, i.Rd, p, i.Rm)
}

func (i Bl) String() string    { return fmt.Sprintf("bl #%d", int64(i.Imm)*4) }
func (i B) String() string     { return fmt.Sprintf("b #%d", int64(i.Imm)*4) }
func (i Cbz) String() string   { return fmt.Sprintf("cbz w%d, #%d", i.Rt, int64(i.Imm)*4) }
func (i BCond) String() string { return fmt.Sprintf("%s #%d", i.Mnemonic(), int64(i.Imm)*4) }

func (i Ldrsw) String() string {
	return fmt.Sprintf("ldrsw x%d, [%s, #0x%x]", i.Rt, xreg(i.Rn), i.Offset())
}

func (i Cmp) String() string {
	if i.Shift != 0 {
		return fmt.Sprintf("cmp %s, #0x%x, lsl #12", wreg(i.Rn), i.Imm)
	}
	return fmt.Sprintf("cmp %s, #0x%x", wreg(i.Rn), i.Imm)
}

func (i Unknown) String() string { return fmt.Sprintf(".word 0x%08x", uint32(i)) }

// xreg names a 64-bit register where 31 encodes the stack pointer.
func xreg(r uint8) string {
	if r == 31 {
		return "sp"
	}
	return fmt.Sprintf("x%d", r)
}

// wreg names a 32-bit register where 31 encodes wsp.
func wreg(r uint8) string {
	if r == 31 {
		return "wsp"
	}
	return fmt.Sprintf("w%d", r)
}
