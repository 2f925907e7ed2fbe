package disasm

import (
	"fmt"
	"iter"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Engine decodes x86 machine code for one processor mode.
type Engine struct {
	mode   int
	syntax Syntax
	symbol x86asm.SymLookup
}

// NewEngine returns an engine for the given processor mode (16, 32 or 64).
func NewEngine(mode int, syntax Syntax) (*Engine, error) {
	switch mode {
	case 16, 32, 64:
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported mode %d", mode), Err: x86asm.ErrInvalidMode}
	}
	switch syntax {
	case "":
		syntax = SyntaxIntel
	case SyntaxIntel, SyntaxGNU, SyntaxGo:
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown syntax %q", syntax)}
	}
	return &Engine{mode: mode, syntax: syntax}, nil
}

// WithSymbols returns a copy of e that renders branch targets through
// lookup. lookup returns the name and base address of the symbol
// containing addr, or "" if none.
func (e *Engine) WithSymbols(lookup func(addr uint64) (string, uint64)) *Engine {
	c := *e
	c.symbol = lookup
	return &c
}

// Mode returns the processor mode the engine decodes for.
func (e *Engine) Mode() int { return e.mode }

// DecodeAll implements Decoder. The sequence ends at the first byte
// sequence that does not decode.
func (e *Engine) DecodeAll(code []byte, base uint64) iter.Seq[Inst] {
	return func(yield func(Inst) bool) {
		pc := base
		for len(code) > 0 {
			inst, err := e.Decode(code, pc)
			if err != nil || !yield(inst) {
				return
			}
			code = code[inst.Len:]
			pc += uint64(inst.Len)
		}
	}
}

// Decode decodes the single instruction at the start of code.
func (e *Engine) Decode(code []byte, pc uint64) (Inst, error) {
	inst, err := x86asm.Decode(code, e.mode)
	if err != nil {
		return Inst{}, fmt.Errorf("decode at %#x: %w", pc, err)
	}
	if inst.Op == 0 || inst.Len == 0 {
		return Inst{}, fmt.Errorf("decode at %#x: %w", pc, x86asm.ErrUnrecognized)
	}
	return e.convert(inst, pc, code[:inst.Len]), nil
}

func (e *Engine) convert(inst x86asm.Inst, pc uint64, raw []byte) Inst {
	text := e.render(inst, pc)
	op, operands, _ := strings.Cut(text, " ")
	out := Inst{
		VA:       pc,
		Len:      inst.Len,
		Text:     fmt.Sprintf("%#x: %s", pc, text),
		Op:       strings.ToLower(inst.Op.String()),
		Operands: strings.TrimSpace(operands),
		Raw:      append([]byte(nil), raw...),
	}
	if e.syntax == SyntaxIntel && op != "" && !isPrefixWord(op) {
		out.Op = op
	}
	out.Class = classify(inst.Op)
	if out.Class == ClassJump || out.Class == ClassCall {
		out.Target, out.HasTarget = e.immediateTarget(inst, pc)
	}
	return out
}

func (e *Engine) render(inst x86asm.Inst, pc uint64) string {
	switch e.syntax {
	case SyntaxGNU:
		return x86asm.GNUSyntax(inst, pc, e.symbol)
	case SyntaxGo:
		return x86asm.GoSyntax(inst, pc, e.symbol)
	}
	return x86asm.IntelSyntax(inst, pc, e.symbol)
}

// immediateTarget returns the absolute target of a pc-relative branch.
// Register and memory operands have no static target.
func (e *Engine) immediateTarget(inst x86asm.Inst, pc uint64) (uint64, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	target := uint64(int64(pc) + int64(inst.Len) + int64(rel))
	if e.mode < 64 {
		target &= 1<<uint(e.mode) - 1
	}
	return target, true
}

func isPrefixWord(s string) bool {
	switch s {
	case "lock", "rep", "repne", "repe", "data16", "addr32", "bnd", "notrack", "xacquire", "xrelease":
		return true
	}
	return false
}

func classify(op x86asm.Op) ControlFlowClass {
	switch op {
	case x86asm.CALL, x86asm.LCALL:
		return ClassCall
	case x86asm.JMP, x86asm.LJMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.XBEGIN:
		return ClassJump
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSRET, x86asm.SYSEXIT,
		x86asm.INT, x86asm.INTO, x86asm.UD1, x86asm.UD2, x86asm.HLT:
		return ClassOther
	}
	return ClassNone
}
