// Package colorize highlights disassembly listings for the terminal.
// Setting SKYHOOK_NO_COLOR to any value turns it off.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

const EnvNoColor = "SKYHOOK_NO_COLOR"

// Enabled reports whether colors are on.
func Enabled() bool {
	return os.Getenv(EnvNoColor) == ""
}

// assemblyLexer returns the first assembly lexer chroma knows about.
func assemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func style() *chroma.Style {
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			return s
		}
	}
	return styles.Fallback
}

func formatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Assembly highlights a block of assembly. It returns code unchanged when
// colors are off or no lexer is available.
func Assembly(code string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := assemblyLexer()
	if lexer == nil {
		return code, nil
	}
	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := formatter().Format(&buf, style(), it); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// InstructionLine highlights one listing line of the form
// "<hex address> <word>  <mnemonic> <operands> ; <annotations>". The address
// is grayed out and the rest goes through chroma.
func InstructionLine(line string) string {
	if !Enabled() {
		return line
	}
	addr, rest, ok := strings.Cut(line, " ")
	if !ok || !isHex(addr) {
		return highlight(line)
	}
	return fmt.Sprintf("\033[38;2;79;79;79m%s\033[0m %s", addr, highlight(rest))
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func highlight(line string) string {
	out, err := Assembly(line)
	if err != nil {
		return line
	}
	return strings.TrimRight(out, "\n")
}
