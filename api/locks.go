package api

import "sync"

// phaseLocks serializes read-modify-write cycles on the same phase within
// this process. Entries are dropped once no request holds or waits on them.
type phaseLocks struct {
	mu    sync.Mutex
	locks map[string]*phaseLock
}

type phaseLock struct {
	sync.Mutex
	refs int
}

func newPhaseLocks() *phaseLocks {
	return &phaseLocks{locks: make(map[string]*phaseLock)}
}

// lock acquires the phase lock and returns its release function.
func (p *phaseLocks) lock(phaseID string) func() {
	p.mu.Lock()
	l, ok := p.locks[phaseID]
	if !ok {
		l = &phaseLock{}
		p.locks[phaseID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, phaseID)
		}
		p.mu.Unlock()
	}
}

func (p *phaseLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
