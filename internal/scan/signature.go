package scan

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Signature is a byte pattern in which some bytes match anything.
type Signature struct {
	Bytes []byte
	Mask  []bool // true where the byte must match
}

// ParseSignature parses space separated hex bytes; "??" (or "?") is a wildcard.
//
//	ParseSignature("fd 7b bf a9 ?? ?? ?? 94")
func ParseSignature(pattern string) (Signature, error) {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return Signature{}, fmt.Errorf("signature %q: empty", pattern)
	}
	sig := Signature{Bytes: make([]byte, len(fields)), Mask: make([]bool, len(fields))}
	for i, f := range fields {
		if f == "??" || f == "?" {
			continue
		}
		b, err := hex.DecodeString(f)
		if err != nil || len(b) != 1 {
			return Signature{}, fmt.Errorf("signature %q: bad byte %q at %d", pattern, f, i)
		}
		sig.Bytes[i], sig.Mask[i] = b[0], true
	}
	return sig, nil
}

func (sig Signature) String() string {
	parts := make([]string, len(sig.Bytes))
	for i, b := range sig.Bytes {
		if sig.Mask[i] {
			parts[i] = fmt.Sprintf("%02x", b)
		} else {
			parts[i] = "??"
		}
	}
	return strings.Join(parts, " ")
}

// Match reports whether p starts with the signature.
func (sig Signature) Match(p []byte) bool {
	if len(p) < len(sig.Bytes) {
		return false
	}
	for i, b := range sig.Bytes {
		if sig.Mask[i] && p[i] != b {
			return false
		}
	}
	return true
}

// FindSignature returns the word-aligned addresses in the code region where
// pattern matches. Matches may extend past the end of the code region only
// as far as the region's last word.
func (s *Scanner) FindSignature(pattern string) ([]uintptr, error) {
	sig, err := ParseSignature(pattern)
	if err != nil {
		return nil, err
	}
	// a sliding window of raw bytes, refilled from the word stream
	var (
		window []byte
		addrs  []uintptr
		out    []uintptr
	)
	need := (len(sig.Bytes) + 3) / 4
	flush := func() {
		if sig.Match(window) {
			out = append(out, addrs[0])
		}
		window, addrs = window[4:], addrs[1:]
	}
	var w4 [4]byte
	s.err = nil
	for w := range s.words() {
		w4[0], w4[1], w4[2], w4[3] = byte(w.word), byte(w.word>>8), byte(w.word>>16), byte(w.word>>24)
		window = append(window, w4[:]...)
		addrs = append(addrs, w.addr)
		if len(addrs) == need {
			flush()
		}
	}
	return out, s.err
}
