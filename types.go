package dm

import (
	"fiatjaf.com/nostr"
)

// Protocol identifies which of the two direct-message wire protocols an
// event or operation belongs to.
type Protocol int

const (
	ProtocolNIP04 Protocol = iota + 1 // legacy kind-4 messages
	ProtocolNIP17                     // gift-wrapped kind-14/15 messages
)

func (p Protocol) String() string {
	switch p {
	case ProtocolNIP04:
		return "nip4"
	case ProtocolNIP17:
		return "nip17"
	}
	return "unknown"
}

// ProtocolMode restricts which protocols the engine backfills, subscribes to
// and accepts on the send path.
type ProtocolMode int

const (
	ModeBoth ProtocolMode = iota
	ModeNIP04Only
	ModeNIP17Only
)

func (m ProtocolMode) includes(p Protocol) bool {
	switch m {
	case ModeNIP04Only:
		return p == ProtocolNIP04
	case ModeNIP17Only:
		return p == ProtocolNIP17
	}
	return true
}

// Message is the application view of a single direct message: the underlying
// event plus its decrypted content, or an error when decryption failed.
//
// For NIP-17 the embedded Event is the unsigned inner event (its ID is the
// canonical id used for deduplication) except for Content, which keeps the
// outer gift wrap's original ciphertext blob for audit.
type Message struct {
	nostr.Event

	// Plaintext is the decrypted content. Exactly one of Plaintext and
	// Error is non-empty for any message the reducer accepts.
	Plaintext string

	// Error is set when decryption or validation failed; such messages are
	// still kept so a conversation can surface a locked-message indicator.
	Error string

	// Sending marks a locally-constructed optimistic message that hasn't
	// been confirmed by a relay echo yet.
	Sending bool

	// FirstSeen is a wall-clock stamp applied to messages ingested less
	// than five seconds after their CreatedAt. UI hint only: it is never
	// persisted and never affects ordering.
	FirstSeen nostr.Timestamp

	// Seal is the intermediate kind-13 event a NIP-17 message was carried
	// in, kept for potential reuse.
	Seal *nostr.Event
}

// Participant is one peer conversation bucket. Messages are kept ascending by
// CreatedAt and LastActivity always mirrors the last message's CreatedAt.
type Participant struct {
	Messages     []Message
	LastActivity nostr.Timestamp

	// Sticky protocol flags: once a protocol was seen in this conversation
	// they only reset on an explicit cache clear.
	HasNIP04 bool
	HasNIP17 bool
}

// LastMessage returns the most recent message, or nil for an empty bucket.
func (p *Participant) LastMessage() *Message {
	if len(p.Messages) == 0 {
		return nil
	}
	return &p.Messages[len(p.Messages)-1]
}

// LastSync holds the per-protocol high-water timestamps that bound future
// backfill queries. Zero means the protocol was never synced.
type LastSync struct {
	NIP04 nostr.Timestamp `json:"nip4"`
	NIP17 nostr.Timestamp `json:"nip17"`
}

func (ls LastSync) get(p Protocol) nostr.Timestamp {
	if p == ProtocolNIP17 {
		return ls.NIP17
	}
	return ls.NIP04
}

func (ls *LastSync) set(p Protocol, t nostr.Timestamp) {
	if p == ProtocolNIP17 {
		ls.NIP17 = t
	} else {
		ls.NIP04 = t
	}
}

// Summary is the derived list item for one conversation.
type Summary struct {
	PubKey       nostr.PubKey
	LastMessage  Message
	LastActivity nostr.Timestamp
	HasNIP04     bool
	HasNIP17     bool

	// IsKnown is true when the user has sent at least one message to this
	// peer; IsRequest is its complement.
	IsKnown             bool
	IsRequest           bool
	LastMessageFromUser bool
}

// SubscriptionStatus reports whether the engine currently holds an open live
// subscription for each protocol.
type SubscriptionStatus struct {
	NIP04Connected bool
	NIP17Connected bool
}

// ScanProgress counts raw events pulled from relays during backfill.
type ScanProgress struct {
	NIP04Scanned int64
	NIP17Scanned int64
}

// LoadingPhase is the orchestrator's current position in the initial-load
// sequence. The engine becomes usable (cached history visible) as soon as the
// CACHE phase finishes, while relay work continues in the background.
type LoadingPhase int32

const (
	PhaseIdle LoadingPhase = iota
	PhaseCache
	PhaseRelays
	PhaseSubscriptions
	PhaseReady
)

func (ph LoadingPhase) String() string {
	switch ph {
	case PhaseIdle:
		return "idle"
	case PhaseCache:
		return "cache"
	case PhaseRelays:
		return "relays"
	case PhaseSubscriptions:
		return "subscriptions"
	case PhaseReady:
		return "ready"
	}
	return "unknown"
}
