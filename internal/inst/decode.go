package inst

// Each form is a mask selecting its opcode bits and the value those bits must
// hold. Some masks are subsets of others, so the order in which forms are
// tried is part of the decoder's contract.
const (
	ldrMask    = 0xFFC00000 // 11111001 01 imm12 Rn Rt
	ldrValue   = 0xF9400000
	addMask    = 0xFF800000 // 1 0 0 100010 sh imm12 Rn Rd
	addValue   = 0x91000000
	adrpMask   = 0x9F000000 // 1 immlo 10000 immhi Rd
	adrpValue  = 0x90000000
	ldurMask   = 0xFFE00C00 // 11111000 010 imm9 00 Rn Rt
	ldurValue  = 0xF8400000
	ldrbMask   = 0xFFC00000 // 00111001 01 imm12 Rn Rt
	ldrbValue  = 0x39400000
	subMask    = 0xFF800000 // 0 1 0 100010 sh imm12 Rn Rd
	subValue   = 0x51000000
	andMask    = 0xFFC00000 // 0 00 100100 0 immr imms Rn Rd
	andValue   = 0x12000000
	cbzMask    = 0xFF000000 // 0 011010 0 imm19 Rt
	cbzValue   = 0x34000000
	cmpMask    = 0xFF80001F // 0 1 1 100010 sh imm12 Rn 11111
	cmpValue   = 0x7100001F
	bcondMask  = 0xFF000010 // 0101010 0 imm19 0 cond
	bcondValue = 0x54000000
	ldrswMask  = 0xFFC00000 // 10111001 10 imm12 Rn Rt
	ldrswValue = 0xB9800000
	bMask      = 0xFC000000 // 000101 imm26
	bValue     = 0x14000000
	blMask     = 0xFC000000 // 100101 imm26
	blValue    = 0x94000000
	movMask    = 0x7FE003E0 // sf 01 01010 00 0 Rm imm6 11111 Rd
	movValue   = 0x2A0003E0
)

type decoder func(w uint32) (Instruction, bool)

// forms is the decoding precedence. The first eleven entries keep their
// historical order; branches and MOV were added after them so they cannot
// shadow an earlier match.
var forms = []decoder{
	decodeLdr,
	decodeAdd,
	decodeAdrp,
	decodeLdur,
	decodeLdrb,
	decodeSub,
	decodeAnd,
	decodeCbz,
	decodeCmp,
	decodeBCond,
	decodeLdrsw,
	decodeB,
	decodeBl,
	decodeMov,
}

// Decode classifies w. It never fails: unrecognised words are returned as
// [Unknown].
func Decode(w uint32) Instruction {
	for _, d := range forms {
		if i, ok := d(w); ok {
			return i
		}
	}
	return Unknown(w)
}

func rd(w uint32) uint8 { return uint8(w & 0x1F) }
func rn(w uint32) uint8 { return uint8((w >> 5) & 0x1F) }

func imm12(w uint32) uint16 { return uint16((w >> 10) & 0xFFF) }

func decodeLdr(w uint32) (Instruction, bool) {
	if w&ldrMask != ldrValue {
		return nil, false
	}
	return Ldr{Word: w, Imm: imm12(w), Rn: rn(w), Rt: rd(w)}, true
}

func decodeAdd(w uint32) (Instruction, bool) {
	if w&addMask != addValue {
		return nil, false
	}
	return Add{Word: w, Shift: uint8((w >> 22) & 0x3), Imm: imm12(w), Rn: rn(w), Rd: rd(w)}, true
}

func decodeAdrp(w uint32) (Instruction, bool) {
	if w&adrpMask != adrpValue {
		return nil, false
	}
	return Adrp{Word: w, Imm: AdrpImm(w), Rd: rd(w)}, true
}

func decodeLdur(w uint32) (Instruction, bool) {
	if w&ldurMask != ldurValue {
		return nil, false
	}
	imm9 := (w >> 12) & 0x1FF
	return Ldur{Word: w, Imm: int16(signExtend64(uint64(imm9), 9)), Rn: rn(w), Rt: rd(w)}, true
}

func decodeLdrb(w uint32) (Instruction, bool) {
	if w&ldrbMask != ldrbValue {
		return nil, false
	}
	return Ldrb{Word: w, Imm: imm12(w), Rn: rn(w), Rt: rd(w)}, true
}

func decodeSub(w uint32) (Instruction, bool) {
	if w&subMask != subValue {
		return nil, false
	}
	return Sub{Word: w, Shift: uint8((w >> 22) & 0x3), Imm: imm12(w), Rn: rn(w), Rd: rd(w)}, true
}

func decodeAnd(w uint32) (Instruction, bool) {
	if w&andMask != andValue {
		return nil, false
	}
	immr := (w >> 16) & 0x3F
	imms := (w >> 10) & 0x3F
	return And{Word: w, Imm: uint16((imms << 6) + immr), Rn: rn(w), Rd: rd(w)}, true
}

func decodeCbz(w uint32) (Instruction, bool) {
	if w&cbzMask != cbzValue {
		return nil, false
	}
	return Cbz{Word: w, Imm: imm19(w), Rt: rd(w)}, true
}

func decodeCmp(w uint32) (Instruction, bool) {
	if w&cmpMask != cmpValue {
		return nil, false
	}
	return Cmp{Word: w, Shift: uint8((w >> 22) & 0x3), Imm: imm12(w), Rn: rn(w)}, true
}

func decodeBCond(w uint32) (Instruction, bool) {
	if w&bcondMask != bcondValue {
		return nil, false
	}
	return BCond{Word: w, Imm: imm19(w), Cond: uint8(w & 0xF)}, true
}

func decodeLdrsw(w uint32) (Instruction, bool) {
	if w&ldrswMask != ldrswValue {
		return nil, false
	}
	return Ldrsw{Word: w, Imm: imm12(w), Rn: rn(w), Rt: rd(w)}, true
}

func decodeB(w uint32) (Instruction, bool) {
	if w&bMask != bValue {
		return nil, false
	}
	return B{Word: w, Imm: imm26(w)}, true
}

func decodeBl(w uint32) (Instruction, bool) {
	if w&blMask != blValue {
		return nil, false
	}
	return Bl{Word: w, Imm: imm26(w)}, true
}

func decodeMov(w uint32) (Instruction, bool) {
	if w&movMask != movValue {
		return nil, false
	}
	return Mov{
		Word: w,
		Imm:  uint8((w >> 10) & 0x3F),
		Rm:   uint8((w >> 16) & 0x1F),
		Rn:   rn(w),
		Rd:   rd(w),
		Wide: w>>31 == 1,
	}, true
}

// AdrpImm reassembles the ADRP immediate from its split immhi/immlo fields.
func AdrpImm(w uint32) uint64 {
	immhi := uint64((w >> 5) & 0x7FFFF)
	immlo := uint64((w >> 29) & 0x3)
	return (immhi << 14) + (immlo << 12)
}

// AddImm returns the unshifted imm12 field of an ADD (immediate).
func AddImm(w uint32) uint32 {
	return (w >> 10) & 0xFFF
}

func imm19(w uint32) int32 {
	return int32(signExtend64(uint64((w>>5)&0x7FFFF), 19))
}

func imm26(w uint32) int32 {
	return int32(signExtend64(uint64(w&0x03FFFFFF), 26))
}

func signExtend64(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// decodeBitMask32 expands a 32-bit logical immediate (N is always 0).
func decodeBitMask32(imms, immr uint8) (uint32, bool) {
	notImms := ^imms & 0x3F
	if notImms == 0 {
		return 0, false
	}
	length := 0
	for b := notImms; b > 1; b >>= 1 {
		length++
	}
	esize := uint(1) << length
	levels := uint8(esize - 1)
	s := uint(imms & levels)
	r := uint(immr & levels)
	if s == uint(levels) {
		return 0, false
	}

	elem := uint64(1)<<(s+1) - 1
	emask := uint64(1)<<esize - 1
	if r != 0 {
		elem = ((elem >> r) | (elem << (esize - r))) & emask
	}

	var out uint64
	for i := uint(0); i < 32; i += esize {
		out |= elem << i
	}
	return uint32(out), true
}
