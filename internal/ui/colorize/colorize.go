// Package colorize highlights x86 listings for terminal output.
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

// Disabled reports whether FLOWDIS_NO_COLOR suppresses highlighting.
func Disabled() bool {
	return os.Getenv("FLOWDIS_NO_COLOR") != ""
}

// lexerFor returns an assembly lexer for the given listing syntax. Intel
// listings read best through the nasm lexer, AT&T ones through gas.
func lexerFor(syntax string) chroma.Lexer {
	candidates := []string{"nasm", "gas", "GAS"}
	if syntax == "gnu" {
		candidates = []string{"gas", "GAS", "nasm"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func listingStyle() *chroma.Style {
	for _, name := range []string{"flowdis-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Block highlights a multi-line listing.
func Block(code, syntax string) (string, error) {
	if Disabled() {
		return code, nil
	}
	lexer := lexerFor(syntax)
	if lexer == nil {
		return code, nil
	}
	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, listingStyle(), it); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// Line highlights one listing line of the form "0x<addr>: <instruction>".
// The address is dimmed; the instruction goes through chroma. Bare
// address lines are shown in the unresolved colour.
func Line(line, syntax string) string {
	if Disabled() {
		return line
	}
	addr, inst, ok := strings.Cut(line, ": ")
	if !ok || !isAddress(addr) {
		if isAddress(line) {
			return fmt.Sprintf("\033[38;2;255;95;135m%s\033[0m", line)
		}
		return highlight(line, syntax)
	}
	return fmt.Sprintf("\033[38;2;110;110;110m%s:\033[0m %s", addr, highlight(inst, syntax))
}

// Label highlights a symbol label line.
func Label(name string) string {
	if Disabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;215;0m%s\033[0m", name)
}

func highlight(s, syntax string) string {
	out, err := Block(s, syntax)
	if err != nil {
		return s
	}
	// Lexers that ensure a trailing newline wrap it in escapes.
	return strings.ReplaceAll(out, "\n", "")
}

func isAddress(s string) bool {
	hex, ok := strings.CutPrefix(s, "0x")
	if !ok || hex == "" {
		return false
	}
	for i := 0; i < len(hex); i++ {
		if !isHexChar(hex[i]) {
			return false
		}
	}
	return true
}

func isHexChar(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}
