package analysis

import (
	"sync"
	"sync/atomic"

	"flowdis/internal/elfx"

	"github.com/ianlancetaylor/demangle"
)

// demangleCache memoizes demangled names across images.
type demangleCache struct {
	mu    sync.RWMutex
	names map[string]string
	hits  atomic.Int64
}

var cache = &demangleCache{names: make(map[string]string)}

// CachedDemangle returns the demangled form of a C++ or Rust symbol, or
// the name unchanged when it is not mangled.
func CachedDemangle(mangled string) string {
	cache.mu.RLock()
	if d, ok := cache.names[mangled]; ok {
		cache.mu.RUnlock()
		cache.hits.Add(1)
		return d
	}
	cache.mu.RUnlock()

	d := demangle.Filter(mangled, demangle.NoClones)

	cache.mu.Lock()
	cache.names[mangled] = d
	cache.mu.Unlock()
	return d
}

// DemangleCacheStats returns the number of cached names and cache hits.
func DemangleCacheStats() (names, hits int) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	return len(cache.names), int(cache.hits.Load())
}

// Labels maps function start addresses to printable names.
type Labels map[uint64]string

// LabelsFor builds labels from the function symbols of im.
func LabelsFor(im *elfx.Image) Labels {
	l := make(Labels, len(im.Symbols()))
	for _, sym := range im.Symbols() {
		l[sym.Addr] = CachedDemangle(sym.Name)
	}
	return l
}

// At returns the label starting at addr.
func (l Labels) At(addr uint64) (string, bool) {
	name, ok := l[addr]
	return name, ok
}

// Lookup resolves addr for the decoder's symbolic operand rendering. Only
// exact symbol starts are named.
func (l Labels) Lookup(addr uint64) (string, uint64) {
	if name, ok := l[addr]; ok {
		return name, addr
	}
	return "", 0
}
