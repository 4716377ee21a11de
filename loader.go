package dm

import (
	"sync"

	"fiatjaf.com/nostr"
)

// load drives the initial-load sequence: idle → cache → relays →
// subscriptions → ready. The cache phase runs synchronously so the caller
// gets a populated (possibly empty) conversation map back immediately; relay
// backfill and subscription setup continue in the background.
//
// Concurrent invocations are short-circuited by the isLoading gate, and a
// completed load isn't re-triggered: initialDone flips before the gate is
// released.
func (e *Engine) load() {
	if e.initialDone.Load() {
		return
	}
	if !e.isLoading.CompareAndSwap(false, true) {
		// a reset raced with an in-flight load: latch the request so the
		// finishing loader runs the whole sequence again
		e.reloadRequested.Store(true)
		return
	}

	e.phase.Store(int32(PhaseCache))
	if doc, ok := e.cache.read(e.ctx, e.self, e.signer); ok {
		e.reducer.load(doc)
		e.log.Debug().Int("participants", len(doc.Participants)).Msg("dm cache loaded")
	}

	// cached history is visible from here on, whatever the relays do next
	e.initialDone.Store(true)

	go e.syncAndSubscribe()
}

// syncAndSubscribe is the background half of the load sequence. Any failure
// degrades into a READY state with whatever was loaded so far; it never
// escalates out of the engine.
func (e *Engine) syncAndSubscribe() {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().Interface("panic", rec).Msg("dm load failed, continuing degraded")
		}
		e.phase.Store(int32(PhaseReady))
		e.everLoaded.Store(true)
		e.isLoading.Store(false)
		if e.ctx.Err() == nil && e.reloadRequested.CompareAndSwap(true, false) {
			e.load()
		}
	}()

	e.phase.Store(int32(PhaseRelays))
	lastSync := e.reducer.getLastSyncAll()

	var newest04, newest17 nostr.Timestamp
	var new04, new17 int

	wg := sync.WaitGroup{}
	if e.mode.includes(ProtocolNIP04) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			newest04, new04 = e.backfill(e.ctx, ProtocolNIP04, lastSync.NIP04)
		}()
	}
	if e.mode.includes(ProtocolNIP17) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			newest17, new17 = e.backfill(e.ctx, ProtocolNIP17, lastSync.NIP17)
		}()
	}
	wg.Wait()

	if new04+new17 > 0 {
		// don't sit on freshly backfilled history for the debounce window
		e.persist.flushNow()
	}

	if e.ctx.Err() != nil {
		return
	}

	e.phase.Store(int32(PhaseSubscriptions))
	if e.mode.includes(ProtocolNIP04) {
		e.startSubscription(ProtocolNIP04, newest04)
	}
	if e.mode.includes(ProtocolNIP17) {
		e.startSubscription(ProtocolNIP17, newest17)
	}
}
