package dm

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

const cacheFlushDebounce = 15 * time.Second

// persister is the single writer of the cache document. Normal mutations
// schedule a debounced flush; the orchestrator requests an immediate one
// after a backfill that produced new messages.
type persister struct {
	mu        sync.Mutex
	debounced func(f func())
	flushFn   func()
}

func newPersister(flush func(), window time.Duration) *persister {
	return &persister{
		debounced: debounce.New(window),
		flushFn:   flush,
	}
}

// schedule arms (or re-arms) the single-shot flush timer.
func (p *persister) schedule() {
	p.debounced(p.flush)
}

// flushNow writes synchronously, bypassing the debounce.
func (p *persister) flushNow() {
	p.flush()
}

func (p *persister) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushFn()
}
