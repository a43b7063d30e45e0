package record

import "fmt"

// OperationBegun records that a durable operation on the entity started.
func (p *Persistable) OperationBegun() {
	p.mu.Lock()
	p.begun++
	p.mu.Unlock()
}

// OperationCompleted records that a begun operation finished. When every
// begun operation has completed the cache link is told the entity is
// stable. Completing more operations than were begun panics: the cache and
// the persistence layer have lost track of each other.
func (p *Persistable) OperationCompleted() {
	p.mu.Lock()
	if p.completed >= p.begun {
		begun, completed, id := p.begun, p.completed, p.f.UniqueID
		p.mu.Unlock()
		panic(fmt.Sprintf("record: operation completed on %d without a matching begin (begun=%d completed=%d)", id, begun, completed))
	}
	p.completed++
	stable := p.completed == p.begun
	link := p.link
	p.mu.Unlock()

	if stable && link != nil {
		link.OnStable()
	}
}

// OperationCancelled withdraws a begun operation that will never complete.
// Cancelling below the completed count panics.
func (p *Persistable) OperationCancelled() {
	p.mu.Lock()
	if p.begun-1 < p.completed {
		begun, completed, id := p.begun, p.completed, p.f.UniqueID
		p.mu.Unlock()
		panic(fmt.Sprintf("record: operation cancelled on %d below completed count (begun=%d completed=%d)", id, begun, completed))
	}
	p.begun--
	stable := p.completed > 0 && p.completed == p.begun
	link := p.link
	p.mu.Unlock()

	if stable && link != nil {
		link.OnStable()
	}
}

// OperationsOutstanding returns the number of begun operations that have
// not completed.
func (p *Persistable) OperationsOutstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.begun - p.completed
}

// IsStable reports whether at least one operation completed and none is
// outstanding.
func (p *Persistable) IsStable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed > 0 && p.begun == p.completed
}
