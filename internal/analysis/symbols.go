package analysis

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"doit/internal/elfx"
)

// symbolCache memoizes demangled names across audits.
type symbolCache struct {
	mu        sync.RWMutex
	demangled map[string]string
	hits      map[string]int
}

var cache = &symbolCache{
	demangled: make(map[string]string),
	hits:      make(map[string]int),
}

// CachedDemangle demangles a C++ or Rust symbol, returning it unchanged if
// it is not mangled.
func CachedDemangle(mangled string) string {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if d, ok := cache.demangled[mangled]; ok {
		cache.hits[mangled]++
		return d
	}
	d := demangle.Filter(mangled, demangle.NoClones)
	cache.demangled[mangled] = d
	return d
}

// DemangleCacheStats returns the cache size, the number of hits, and the
// five most requested symbols.
func DemangleCacheStats() (total, hits int, top []string) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	type hit struct {
		sym string
		n   int
	}
	var all []hit
	for sym, n := range cache.hits {
		all = append(all, hit{sym, n})
		hits += n
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].sym < all[j].sym
	})
	for i := 0; i < 5 && i < len(all); i++ {
		top = append(top, fmt.Sprintf("%s (%d hits)", all[i].sym, all[i].n))
	}
	return len(cache.demangled), hits, top
}

// functionName returns the demangled name of the function covering va, or
// "" outside any known function.
func functionName(im *elfx.Image, va uint64) string {
	if name, ok := im.PLTName(va); ok {
		return name + "@plt"
	}
	s, ok := im.FunctionAt(va)
	if !ok {
		return ""
	}
	return CachedDemangle(s.Name)
}

// functionStarts maps every function entry to its demangled name.
func functionStarts(im *elfx.Image) map[uint64]string {
	starts := make(map[uint64]string)
	for _, s := range im.Syms {
		if s.Func {
			if _, dup := starts[s.Addr]; !dup {
				starts[s.Addr] = CachedDemangle(s.Name)
			}
		}
	}
	return starts
}
