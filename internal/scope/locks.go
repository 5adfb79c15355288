package scope

import (
	"sort"
	"sync"
)

// Scope-level locks give bulk mutations (retirement, compaction) an atomic
// before/after view. Readers take the shared side per scope; everything at
// record granularity proceeds without touching these locks.

func (r *Registry) lockFor(name string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		r.locks[name] = l
	}
	return l
}

// LockScope takes the exclusive lock for a scope. The returned func releases it.
func (r *Registry) LockScope(name string) func() {
	l := r.lockFor(name)
	l.Lock()
	return l.Unlock
}

// RLockScopes takes shared locks on all named scopes in a deterministic
// order so concurrent bulk writers cannot deadlock against readers.
func (r *Registry) RLockScopes(names []string) func() {
	uniq := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			uniq = append(uniq, n)
		}
	}
	sort.Strings(uniq)

	held := make([]*sync.RWMutex, 0, len(uniq))
	for _, n := range uniq {
		l := r.lockFor(n)
		l.RLock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].RUnlock()
		}
	}
}
