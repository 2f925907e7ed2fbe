// Package disasm defines the instruction representation produced by the
// decoding engine and consumed by the exploration driver.
package disasm

import (
	"fmt"
	"iter"
	"strings"
)

// ControlFlowClass classifies an instruction's effect on control flow.
type ControlFlowClass uint8

const (
	ClassNone  ControlFlowClass = iota
	ClassJump                   // jmp, jcc, loop, jrcxz
	ClassCall                   // call
	ClassOther                  // ret, syscall, int, ud2, hlt and friends
)

func (c ControlFlowClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassJump:
		return "jump"
	case ClassCall:
		return "call"
	case ClassOther:
		return "other"
	}
	return fmt.Sprintf("ControlFlowClass(%d)", uint8(c))
}

// Inst is a single decoded instruction.
type Inst struct {
	VA        uint64           // virtual address of instruction
	Len       int              // encoded length in bytes
	Text      string           // rendered form, "0x<va>: <mnemonic> <operands>"
	Op        string           // mnemonic in lowercase
	Operands  string           // rendered operand list
	Raw       []byte           // raw encoding
	Class     ControlFlowClass // control-flow classification
	Target    uint64           // immediate branch target, valid when HasTarget
	HasTarget bool
}

// End returns the address just past the instruction.
func (i Inst) End() uint64 {
	return i.VA + uint64(i.Len)
}

// BranchTarget returns the statically known jump or call target.
func (i Inst) BranchTarget() (uint64, bool) {
	if i.Class != ClassJump && i.Class != ClassCall {
		return 0, false
	}
	return i.Target, i.HasTarget
}

func (i Inst) String() string {
	return i.Text
}

// Syntax selects how instructions are rendered.
type Syntax string

const (
	SyntaxIntel Syntax = "intel"
	SyntaxGNU   Syntax = "gnu"
	SyntaxGo    Syntax = "go"
)

// ParseSyntax maps a user supplied name onto a Syntax.
func ParseSyntax(s string) (Syntax, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "intel":
		return SyntaxIntel, nil
	case "gnu", "att":
		return SyntaxGNU, nil
	case "go", "plan9":
		return SyntaxGo, nil
	}
	return "", &DecodeError{Reason: fmt.Sprintf("unknown syntax %q", s)}
}

// Decoder produces a lazy sequence of instructions decoded from code, the
// first of which lives at base. The sequence ends at the first byte
// sequence that cannot be decoded.
type Decoder interface {
	DecodeAll(code []byte, base uint64) iter.Seq[Inst]
}

// DecodeError reports that the decoding engine could not be initialized.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoder: %s: %v", e.Reason, e.Err)
	}
	return "decoder: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
