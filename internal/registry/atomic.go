package registry

import "sync/atomic"

// atomicMap wraps atomic publication of the immutable ruleset map. A small
// named type because atomic.Pointer needs an addressable element type.
type atomicMap struct {
	p atomic.Pointer[rulesetMap]
}

func (a *atomicMap) load() rulesetMap {
	return *a.p.Load()
}

func (a *atomicMap) store(m rulesetMap) {
	a.p.Store(&m)
}
