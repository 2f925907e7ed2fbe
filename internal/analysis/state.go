package analysis

import (
	"math"
	"slices"

	"flowdis/internal/disasm"

	"github.com/google/btree"
)

// btreeDegree is the branching factor of the ordered sets.
const btreeDegree = 16

// Entry is one slot of the instruction map. Inst is nil for an address
// that was confirmed as a target but could not be decoded.
type Entry struct {
	Addr uint64
	Inst *disasm.Inst
}

// Resolved reports whether the entry holds a decoded instruction.
func (e Entry) Resolved() bool {
	return e.Inst != nil
}

// Origin records how a confirmed target was discovered.
type Origin uint8

const (
	OriginEntry    Origin = iota // the image entry point
	OriginJump                   // immediate target of a jump
	OriginCall                   // immediate target of a call
	OriginBoundary               // branch landed on an instruction already decoded
)

func (o Origin) String() string {
	switch o {
	case OriginEntry:
		return "entry"
	case OriginJump:
		return "jump"
	case OriginCall:
		return "call"
	case OriginBoundary:
		return "boundary"
	}
	return "unknown"
}

// State is the mutable exploration state: a depth-first worklist with a
// companion pending set, the ordered set of confirmed targets, and the
// ordered instruction map.
type State struct {
	worklist     []uint64
	pending      map[uint64]struct{}
	targets      *btree.BTreeG[uint64]
	instructions *btree.BTreeG[Entry]
	origins      map[uint64]Origin
}

// NewState returns an empty exploration state.
func NewState() *State {
	return &State{
		pending:      make(map[uint64]struct{}),
		targets:      btree.NewOrderedG[uint64](btreeDegree),
		instructions: btree.NewG(btreeDegree, func(a, b Entry) bool { return a.Addr < b.Addr }),
		origins:      make(map[uint64]Origin),
	}
}

// push adds addr to the top of the worklist unless it is already pending.
func (s *State) push(addr uint64, origin Origin) bool {
	if s.isPending(addr) {
		return false
	}
	s.worklist = append(s.worklist, addr)
	s.pending[addr] = struct{}{}
	s.noteOrigin(addr, origin)
	return true
}

// pop removes and returns the most recently pushed address.
func (s *State) pop() (uint64, bool) {
	n := len(s.worklist)
	if n == 0 {
		return 0, false
	}
	addr := s.worklist[n-1]
	s.worklist = s.worklist[:n-1]
	delete(s.pending, addr)
	return addr, true
}

func (s *State) isPending(addr uint64) bool {
	_, ok := s.pending[addr]
	return ok
}

// removePending drops addr from the worklist, keeping the order of the
// remaining entries. It reports whether addr was pending.
func (s *State) removePending(addr uint64) bool {
	if !s.isPending(addr) {
		return false
	}
	delete(s.pending, addr)
	if i := slices.Index(s.worklist, addr); i >= 0 {
		s.worklist = slices.Delete(s.worklist, i, i+1)
	}
	return true
}

// Pending returns a copy of the worklist, bottom first.
func (s *State) Pending() []uint64 {
	return slices.Clone(s.worklist)
}

func (s *State) addTarget(addr uint64, origin Origin) {
	s.targets.ReplaceOrInsert(addr)
	s.noteOrigin(addr, origin)
}

func (s *State) noteOrigin(addr uint64, origin Origin) {
	if _, ok := s.origins[addr]; !ok {
		s.origins[addr] = origin
	}
}

// IsTarget reports whether addr is a confirmed target.
func (s *State) IsTarget(addr uint64) bool {
	return s.targets.Has(addr)
}

// nextTarget returns the smallest confirmed target strictly greater than
// addr, clipped to limit.
func (s *State) nextTarget(addr, limit uint64) uint64 {
	if addr == math.MaxUint64 {
		return limit
	}
	next := limit
	s.targets.AscendGreaterOrEqual(addr+1, func(t uint64) bool {
		next = min(t, limit)
		return false
	})
	return next
}

// insert records e unless its address is already present.
func (s *State) insert(e Entry) bool {
	if s.instructions.Has(e) {
		return false
	}
	s.instructions.ReplaceOrInsert(e)
	return true
}

// Has reports whether the instruction map holds addr.
func (s *State) Has(addr uint64) bool {
	return s.instructions.Has(Entry{Addr: addr})
}

// Lookup returns the instruction map entry at addr.
func (s *State) Lookup(addr uint64) (Entry, bool) {
	return s.instructions.Get(Entry{Addr: addr})
}

// overlaps counts decoded instructions a run over [start, end) would
// cover: those starting inside the span plus one straddling start.
func (s *State) overlaps(start, end uint64) int {
	n := 0
	if start > 0 {
		s.instructions.DescendLessOrEqual(Entry{Addr: start - 1}, func(e Entry) bool {
			if e.Inst != nil && e.Inst.End() > start {
				n++
			}
			return false
		})
	}
	if end > start {
		s.instructions.AscendRange(Entry{Addr: start}, Entry{Addr: end}, func(Entry) bool {
			n++
			return true
		})
	}
	return n
}
