// Package analysis implements control-flow directed disassembly: starting
// at the entry point it decodes linear runs of instructions, follows
// immediate jump and call targets, and never decodes an address twice.
package analysis

import (
	"fmt"
	"io"
	"iter"
	"math"

	"flowdis/internal/disasm"

	"github.com/charmbracelet/log"
)

// CodeImage is the view of an executable the explorer needs.
type CodeImage interface {
	// CodeBounds returns [min, max) of the code region, or (0, 0) when
	// the image has none.
	CodeBounds() (uint64, uint64)
	EntryPoint() uint64
	// BytesFrom returns the bytes at addr through the end of the image.
	BytesFrom(addr uint64) []byte
}

// Run describes one linear decode run.
type Run struct {
	Start    uint64
	Boundary uint64 // first address the run may not record
	Count    int    // instructions produced before stopping
}

// Edge is an immediate jump or call discovered while decoding.
type Edge struct {
	From  uint64
	To    uint64
	Class disasm.ControlFlowClass
}

// Stats counts exploration decisions.
type Stats struct {
	Runs       int `json:"runs"`
	Decoded    int `json:"decoded"`      // instructions recorded
	Unresolved int `json:"unresolved"`   // runs that produced nothing
	Targets    int `json:"targets"`      // confirmed targets
	Skipped    int `json:"skipped"`      // popped targets already decoded
	Superseded int `json:"superseded"`   // pending targets decoded by another run
	Overlaps   int `json:"overlaps"`     // decoded instructions a later run covered
	OutOfRange int `json:"out_of_range"` // targets outside the code region
}

// Target is a confirmed target with its provenance.
type Target struct {
	Addr     uint64
	Origin   Origin
	Resolved bool // a decoded instruction starts here
}

// Result is the read-only outcome of an exploration.
type Result struct {
	Entry uint64
	Min   uint64
	Max   uint64
	Runs  []Run
	Edges []Edge
	Stats Stats

	state *State
}

// Entries yields the instruction map in ascending address order.
func (r *Result) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		r.state.instructions.Ascend(func(e Entry) bool {
			return yield(e)
		})
	}
}

// Targets yields the confirmed targets in ascending order.
func (r *Result) Targets() iter.Seq[Target] {
	return func(yield func(Target) bool) {
		r.state.targets.Ascend(func(addr uint64) bool {
			e, ok := r.state.Lookup(addr)
			return yield(Target{
				Addr:     addr,
				Origin:   r.state.origins[addr],
				Resolved: ok && e.Resolved(),
			})
		})
	}
}

// Lookup returns the instruction map entry at addr.
func (r *Result) Lookup(addr uint64) (Entry, bool) {
	return r.state.Lookup(addr)
}

// Len returns the number of instruction map entries.
func (r *Result) Len() int {
	return r.state.instructions.Len()
}

// Bounded reports whether exploration was clipped to a code region.
func (r *Result) Bounded() bool {
	return r.Max > r.Min
}

// Option configures an Explorer.
type Option func(*Explorer)

// WithTracer sends exploration decisions to l at debug level.
func WithTracer(l *log.Logger) Option {
	return func(e *Explorer) {
		if l != nil {
			e.trace = l
		}
	}
}

// Explorer drives the worklist algorithm over one image.
type Explorer struct {
	img   CodeImage
	dec   disasm.Decoder
	trace *log.Logger
}

// NewExplorer returns an explorer that decodes img with dec.
func NewExplorer(img CodeImage, dec disasm.Decoder, opts ...Option) *Explorer {
	e := &Explorer{
		img:   img,
		dec:   dec,
		trace: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run explores from the entry point until the worklist drains.
func (e *Explorer) Run() *Result {
	lo, hi := e.img.CodeBounds()
	res := &Result{
		Entry: e.img.EntryPoint(),
		Min:   lo,
		Max:   hi,
		state: NewState(),
	}
	limit := hi
	if !res.Bounded() {
		limit = math.MaxUint64
	}
	st := res.state

	st.addTarget(res.Entry, OriginEntry)
	st.push(res.Entry, OriginEntry)
	e.trace.Debug("explore", "entry", hex(res.Entry), "min", hex(lo), "max", hex(hi))

	for {
		target, ok := st.pop()
		if !ok {
			break
		}
		if st.Has(target) {
			res.Stats.Skipped++
			e.trace.Debug("skip", "target", hex(target), "reason", "already decoded")
			continue
		}

		next := st.nextTarget(target, limit)
		st.addTarget(target, OriginEntry)

		if res.Bounded() && (target < lo || target >= hi) {
			res.Stats.OutOfRange++
			e.trace.Debug("skip", "target", hex(target), "reason", "outside code region")
			continue
		}

		if n := st.overlaps(target, next); n > 0 {
			res.Stats.Overlaps += n
			e.trace.Debug("overlap", "target", hex(target), "next", hex(next), "instructions", n)
		}

		run := e.decodeRun(res, target, next)
		res.Runs = append(res.Runs, run)
		e.trace.Debug("run", "target", hex(target), "next", hex(next), "count", run.Count)

		if run.Count == 0 {
			res.Stats.Unresolved++
			st.insert(Entry{Addr: target})
			e.trace.Debug("unresolved", "target", hex(target))
		}
	}

	res.Stats.Runs = len(res.Runs)
	st.instructions.Ascend(func(en Entry) bool {
		if en.Resolved() {
			res.Stats.Decoded++
		}
		return true
	})
	res.Stats.Targets = st.targets.Len()
	return res
}

// decodeRun records instructions from target up to, but excluding, next.
func (e *Explorer) decodeRun(res *Result, target, next uint64) Run {
	st := res.state
	run := Run{Start: target, Boundary: next}
	for inst := range e.dec.DecodeAll(e.img.BytesFrom(target), target) {
		if inst.VA >= next {
			break
		}
		run.Count++
		st.insert(Entry{Addr: inst.VA, Inst: &inst})

		if st.removePending(inst.VA) {
			res.Stats.Superseded++
			e.trace.Debug("superseded", "addr", hex(inst.VA), "run", hex(target))
		}

		t, ok := inst.BranchTarget()
		if !ok {
			continue
		}
		res.Edges = append(res.Edges, Edge{From: inst.VA, To: t, Class: inst.Class})
		e.discover(st, t, inst.Class)
	}
	return run
}

// discover handles an immediate branch target found during a run.
func (e *Explorer) discover(st *State, t uint64, class disasm.ControlFlowClass) {
	switch {
	case st.IsTarget(t):
		e.trace.Debug("branch", "to", hex(t), "reason", "known target")
	case st.isPending(t):
		e.trace.Debug("branch", "to", hex(t), "reason", "already pending")
	case st.Has(t):
		st.addTarget(t, OriginBoundary)
		e.trace.Debug("branch", "to", hex(t), "reason", "instruction boundary")
	default:
		origin := OriginJump
		if class == disasm.ClassCall {
			origin = OriginCall
		}
		st.push(t, origin)
		e.trace.Debug("push", "to", hex(t), "origin", origin)
	}
}

func hex(addr uint64) string {
	return fmt.Sprintf("%#x", addr)
}
