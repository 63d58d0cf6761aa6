package agent

import (
	"container/list"
	"sync"
)

// trackedRequests bounds the requests remembered by a requestTracker.
const trackedRequests = 16

// handledRequest identifies a request by the Node revision that carried it.
type handledRequest struct {
	request         string
	resourceVersion string
}

// requestTracker records handled requests to recognize them when the
// informer delivers the same revision of the Node again.
type requestTracker struct {
	mu   *sync.RWMutex
	list *list.List
}

func newRequestTracker() *requestTracker {
	return &requestTracker{
		mu:   &sync.RWMutex{},
		list: list.New()}
}

// record retains a record of the handled request.
func (p *requestTracker) record(r handledRequest) {
	p.mu.Lock()
	p.list.PushBack(r)
	for p.list.Len() > trackedRequests {
		p.list.Remove(p.list.Front())
	}
	p.mu.Unlock()
}

// handled checks for the presence of a matching record.
func (p *requestTracker) handled(r handledRequest) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for elm := p.list.Front(); elm != nil; elm = elm.Next() {
		if elm.Value.(handledRequest) == r {
			return true
		}
	}
	return false
}

// clear removes all records.
func (p *requestTracker) clear() {
	p.mu.Lock()
	p.list.Init()
	p.mu.Unlock()
}
