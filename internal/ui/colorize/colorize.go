// Package colorize renders trace output for terminals: chroma-based
// highlighting for disassembly lines plus a few fixed roles (addresses,
// symbols, trace tags) used by the CLI.
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

// disasmStyle is an IDA-ish dark scheme mapped onto the tokens the
// assembly lexers emit.
var disasmStyle = styles.Register(chroma.MustNewStyle("rnidbg-dark", chroma.StyleEntries{
	chroma.Text:       "#FFFFFF",
	chroma.Background: "bg:#000000",
	chroma.Comment:    "#FF8000",

	chroma.Keyword:      "#FFFFFF",
	chroma.Name:         "#87CEEB",
	chroma.NameBuiltin:  "#87CEEB",
	chroma.NameVariable: "#87CEEB",

	chroma.LiteralNumber:        "#FF80C0",
	chroma.LiteralNumberHex:     "#FF80C0",
	chroma.LiteralNumberInteger: "#FF80C0",

	chroma.NameLabel:    "#FFC800",
	chroma.NameFunction: "#FFFFFF",

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
	chroma.String:      "#00FF00",
}))

// IsDisabled reports whether color output is turned off via environment.
func IsDisabled() bool {
	return os.Getenv("RNIDBG_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func assemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if l := lexers.Get(name); l != nil {
			return l
		}
	}
	return nil
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Instruction highlights one disassembled instruction. Any lexing or
// formatting problem falls back to the plain text.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := assemblyLexer()
	if lexer == nil {
		return insn
	}
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, disasmStyle, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats a guest address in yellow.
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("%08x", addr)
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%08x\033[0m", addr)
}

// Symbol formats a symbol or stub name in yellow.
func Symbol(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%s\033[0m", name)
}

// Tag formats a trace category tag in light pink.
func Tag(tag string) string {
	if IsDisabled() {
		return tag
	}
	return fmt.Sprintf("\033[38;2;255;180;200m%s\033[0m", tag)
}

// Detail formats secondary text in light gray.
func Detail(detail string) string {
	if IsDisabled() {
		return detail
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", detail)
}

// Error formats failure text in pink.
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}
