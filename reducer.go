package dm

import (
	"sort"
	"sync"

	"fiatjaf.com/nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// how close an inbound real event must be to a pending optimistic
	// message, on top of exact author and plaintext equality, to be taken
	// as its confirmation
	optimisticMatchWindow = nostr.Timestamp(30)

	// messages ingested less than this long after their created_at get a
	// FirstSeen stamp so the UI can animate them
	firstSeenThreshold = nostr.Timestamp(5)
)

// decoded is one decoder output on its way into the reducer.
type decoded struct {
	msg      Message
	partner  nostr.PubKey
	protocol Protocol
}

// reducer exclusively owns the conversation map and the lastSync watermarks.
// Every ingestion path (cache load, backfill, live subscription, optimistic
// send) funnels through it and dedupes by event id, so any event can be
// delivered any number of times with no effect beyond the first.
type reducer struct {
	mu   sync.Mutex
	self nostr.PubKey
	now  func() nostr.Timestamp

	participants map[nostr.PubKey]*Participant
	lastSync     LastSync

	// global event-id index, also enforces that an id appears in at most
	// one bucket
	seen *xsync.MapOf[nostr.ID, nostr.PubKey]

	// whether messages that failed to decode still mark their conversation
	// with the protocol flag
	countInvalidTowardFlag bool
}

func newReducer(self nostr.PubKey, countInvalidTowardFlag bool) *reducer {
	return &reducer{
		self:                   self,
		now:                    nostr.Now,
		participants:           make(map[nostr.PubKey]*Participant),
		seen:                   xsync.NewMapOf[nostr.ID, nostr.PubKey](),
		countInvalidTowardFlag: countInvalidTowardFlag,
	}
}

// merge ingests a batch of decoded messages and returns how many were new.
func (r *reducer) merge(batch []decoded) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, d := range batch {
		if r.add(d) {
			added++
		}
	}
	return added
}

// addSingle ingests one decoded message, reporting whether it was new.
func (r *reducer) addSingle(d decoded) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(d)
}

// applyOptimistic inserts a locally-constructed placeholder message.
func (r *reducer) applyOptimistic(msg Message, partner nostr.PubKey, protocol Protocol) bool {
	return r.addSingle(decoded{msg: msg, partner: partner, protocol: protocol})
}

func (r *reducer) add(d decoded) bool {
	if d.partner == r.self || d.partner == (nostr.PubKey{}) {
		return false
	}
	if _, dup := r.seen.Load(d.msg.ID); dup {
		return false
	}

	b, ok := r.participants[d.partner]
	if !ok {
		b = &Participant{}
		r.participants[d.partner] = b
	}

	if !d.msg.Sending {
		// a real event may be the confirmation of a pending optimistic
		// message: same author, same plaintext, created_at within the
		// match window. The placeholder's created_at and FirstSeen are
		// preserved so the message doesn't jump position.
		for i := range b.Messages {
			o := &b.Messages[i]
			if !o.Sending || o.PubKey != d.msg.PubKey || o.Plaintext != d.msg.Plaintext {
				continue
			}
			if absDiff(o.CreatedAt, d.msg.CreatedAt) > optimisticMatchWindow {
				continue
			}

			r.seen.Delete(o.ID)
			confirmed := d.msg
			confirmed.CreatedAt = o.CreatedAt
			confirmed.FirstSeen = o.FirstSeen
			confirmed.Sending = false
			b.Messages[i] = confirmed
			r.seen.Store(confirmed.ID, d.partner)
			r.finalize(b, d)
			return true
		}
	}

	msg := d.msg
	if msg.FirstSeen == 0 {
		if now := r.now(); now-msg.CreatedAt < firstSeenThreshold {
			msg.FirstSeen = now
		}
	}
	b.Messages = append(b.Messages, msg)
	r.seen.Store(msg.ID, d.partner)
	r.finalize(b, d)
	return true
}

func (r *reducer) finalize(b *Participant, d decoded) {
	// stable: on equal timestamps the existing message keeps its position
	sort.SliceStable(b.Messages, func(i, j int) bool {
		return b.Messages[i].CreatedAt < b.Messages[j].CreatedAt
	})
	b.LastActivity = b.Messages[len(b.Messages)-1].CreatedAt

	if d.msg.Error == "" || r.countInvalidTowardFlag {
		switch d.protocol {
		case ProtocolNIP04:
			b.HasNIP04 = true
		case ProtocolNIP17:
			b.HasNIP17 = true
		}
	}
}

// clear resets the map and the lastSync watermarks.
func (r *reducer) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[nostr.PubKey]*Participant)
	r.lastSync = LastSync{}
	r.seen = xsync.NewMapOf[nostr.ID, nostr.PubKey]()
}

func (r *reducer) getLastSync(p Protocol) nostr.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSync.get(p)
}

func (r *reducer) setLastSync(p Protocol, t nostr.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t > r.lastSync.get(p) {
		r.lastSync.set(p, t)
	}
}

func (r *reducer) getLastSyncAll() LastSync {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSync
}

// load populates the reducer from a cache document.
func (r *reducer) load(doc CacheDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for peerHex, cp := range doc.Participants {
		peer, err := nostr.PubKeyFromHexCheap(peerHex)
		if err != nil || peer == r.self {
			continue
		}

		b := &Participant{
			HasNIP04: cp.HasNIP4,
			HasNIP17: cp.HasNIP17,
		}
		for _, cm := range cp.Messages {
			msg, err := cm.toMessage()
			if err != nil {
				continue
			}
			if _, dup := r.seen.Load(msg.ID); dup {
				continue
			}
			b.Messages = append(b.Messages, msg)
			r.seen.Store(msg.ID, peer)
		}
		if len(b.Messages) == 0 {
			continue
		}

		sort.SliceStable(b.Messages, func(i, j int) bool {
			return b.Messages[i].CreatedAt < b.Messages[j].CreatedAt
		})
		b.LastActivity = b.Messages[len(b.Messages)-1].CreatedAt
		r.participants[peer] = b
	}

	r.lastSync = doc.LastSync
}

// snapshot serializes the current state into a cache document. Pending
// optimistic messages are skipped: persisting an unconfirmed send would make
// it look confirmed on the next load.
func (r *reducer) snapshot() CacheDocument {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := CacheDocument{
		Participants: make(map[string]CachedParticipant, len(r.participants)),
		LastSync:     r.lastSync,
	}
	for peer, b := range r.participants {
		cp := CachedParticipant{
			LastActivity: b.LastActivity,
			HasNIP4:      b.HasNIP04,
			HasNIP17:     b.HasNIP17,
			Messages:     make([]CachedMessage, 0, len(b.Messages)),
		}
		for _, msg := range b.Messages {
			if msg.Sending {
				continue
			}
			cp.Messages = append(cp.Messages, toCachedMessage(msg))
		}
		doc.Participants[peer.Hex()] = cp
	}
	return doc
}

// conversations returns a deep-enough copy of the conversation map for the
// UI: bucket structs are copied, message slices are fresh.
func (r *reducer) conversations() map[nostr.PubKey]Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[nostr.PubKey]Participant, len(r.participants))
	for peer, b := range r.participants {
		msgs := make([]Message, len(b.Messages))
		copy(msgs, b.Messages)
		cp := *b
		cp.Messages = msgs
		out[peer] = cp
	}
	return out
}

// messages returns a copy of one peer's bucket.
func (r *reducer) messages(peer nostr.PubKey) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.participants[peer]
	if !ok {
		return nil
	}
	msgs := make([]Message, len(b.Messages))
	copy(msgs, b.Messages)
	return msgs
}

func absDiff(a, b nostr.Timestamp) nostr.Timestamp {
	if a > b {
		return a - b
	}
	return b - a
}
