package dm

import (
	"context"
	"sync/atomic"

	"fiatjaf.com/nostr"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// subHandle is one protocol's live feed token. At most one exists per
// protocol at any time; closing it tears down every underlying relay
// subscription it opened.
type subHandle struct {
	cancel context.CancelFunc
	closed atomic.Bool
}

func (h *subHandle) close() {
	if h.closed.CompareAndSwap(false, true) {
		h.cancel()
	}
}

type subManager struct {
	handles *xsync.MapOf[Protocol, *subHandle]

	nip04Connected atomic.Bool
	nip17Connected atomic.Bool
}

func newSubManager() *subManager {
	return &subManager{handles: xsync.NewMapOf[Protocol, *subHandle]()}
}

func (sm *subManager) connectedFlag(p Protocol) *atomic.Bool {
	if p == ProtocolNIP17 {
		return &sm.nip17Connected
	}
	return &sm.nip04Connected
}

func (sm *subManager) stopAll() {
	sm.handles.Range(func(p Protocol, h *subHandle) bool {
		h.close()
		sm.connectedFlag(p).Store(false)
		return true
	})
	sm.handles.Clear()
}

// startSubscription opens (or replaces) the single live subscription for a
// protocol. A zero since falls back to the protocol's lastSync and then to
// now; NIP-04 gets a 10s overlap, NIP-17 additionally reaches 2 days back to
// compensate for gift-wrap timestamp fuzzing.
func (e *Engine) startSubscription(protocol Protocol, since nostr.Timestamp) {
	if since == 0 {
		if ls := e.reducer.getLastSync(protocol); ls > nip04SubscriptionOverlap {
			since = ls - nip04SubscriptionOverlap
		} else {
			since = nostr.Now()
		}
	}
	if protocol == ProtocolNIP17 {
		if since > nip17TimestampFuzz {
			since -= nip17TimestampFuzz
		} else {
			since = 1
		}
	}

	sctx, cancel := context.WithCancel(e.ctx)
	handle := &subHandle{cancel: cancel}
	if old, ok := e.subs.handles.LoadAndStore(protocol, handle); ok {
		old.close()
	}

	var filters []nostr.Filter
	if protocol == ProtocolNIP04 {
		filters = []nostr.Filter{
			{
				Kinds: []nostr.Kind{nostr.KindEncryptedDirectMessage},
				Tags:  nostr.TagMap{"p": []string{e.self.Hex()}},
				Since: since,
			},
			{
				// the author half is what echoes the user's own sends
				// back for optimistic reconciliation
				Kinds:   []nostr.Kind{nostr.KindEncryptedDirectMessage},
				Authors: []nostr.PubKey{e.self},
				Since:   since,
			},
		}
	} else {
		filters = []nostr.Filter{
			{
				Kinds: []nostr.Kind{nostr.KindGiftWrap},
				Tags:  nostr.TagMap{"p": []string{e.self.Hex()}},
				Since: since,
			},
		}
	}

	e.subs.connectedFlag(protocol).Store(true)
	for _, filter := range filters {
		ch := e.pool.SubscribeMany(sctx, e.relayURLs(), filter, nostr.SubscriptionOptions{
			Label: "dm-live-" + protocol.String() + "-" + uuid.NewString()[:8],
		})
		go e.consumeSubscription(sctx, protocol, handle, ch)
	}

	e.log.Debug().Stringer("protocol", protocol).Int64("since", int64(since)).
		Msg("dm live subscription open")
}

// consumeSubscription routes live events through the protocol decoder into
// the reducer; this is also the path that reconciles optimistic sends with
// their published counterparts. An error on one protocol's stream never
// touches the other protocol's subscription.
func (e *Engine) consumeSubscription(ctx context.Context, protocol Protocol, handle *subHandle, ch chan nostr.RelayEvent) {
	defer func() {
		// only report disconnection if this handle wasn't replaced by a
		// newer one in the meantime
		if cur, ok := e.subs.handles.Load(protocol); ok && cur == handle {
			e.subs.connectedFlag(protocol).Store(false)
		}
	}()

	for ie := range ch {
		var msg Message
		var partner nostr.PubKey
		var ok bool
		if protocol == ProtocolNIP04 {
			msg, partner, ok = decodeNIP04(ctx, e.signer, e.self, ie.Event)
		} else {
			msg, partner, ok = decodeNIP17(ctx, e.signer, e.self, ie.Event)
		}
		if !ok {
			continue
		}

		if e.reducer.addSingle(decoded{msg: msg, partner: partner, protocol: protocol}) {
			e.persist.schedule()
		}
	}
}
