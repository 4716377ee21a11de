package dm

import (
	"context"
	"fmt"

	"fiatjaf.com/nostr"
)

// kind 15 (file message) is part of NIP-17 but not named by the library.
const kindFileMessage nostr.Kind = 15

// decodeNIP04 turns a signed kind-4 event into a Message and its conversation
// partner: the p-tag when the user authored the event, the author otherwise.
//
// It returns ok=false for events that can't be attributed to a conversation
// (wrong kind, missing p tag, or the partner resolving to the user themself).
// Decrypt failures still return ok=true with Error set so the UI can show a
// locked-message placeholder.
func decodeNIP04(ctx context.Context, sg Signer, self nostr.PubKey, evt nostr.Event) (Message, nostr.PubKey, bool) {
	if evt.Kind != nostr.KindEncryptedDirectMessage || evt.Content == "" {
		return Message{}, nostr.PubKey{}, false
	}

	partner := evt.PubKey
	if evt.PubKey == self {
		ptag := evt.Tags.Find("p")
		if ptag == nil {
			return Message{}, nostr.PubKey{}, false
		}
		pk, err := nostr.PubKeyFromHexCheap(ptag[1])
		if err != nil {
			return Message{}, nostr.PubKey{}, false
		}
		partner = pk
	}
	if partner == self {
		return Message{}, nostr.PubKey{}, false
	}

	msg := Message{Event: evt}

	dec, ok := nip04Capable(sg)
	if !ok {
		msg.Error = "signer does not support nip-04 decryption"
		return msg, partner, true
	}

	plaintext, err := dec.DecryptNIP04(ctx, evt.Content, partner)
	if err != nil {
		msg.Error = fmt.Sprintf("failed to decrypt: %s", err)
		return msg, partner, true
	}

	msg.Plaintext = plaintext
	return msg, partner, true
}

// decodeNIP17 unwraps a kind-1059 gift wrap: one NIP-44 decryption against
// the wrap's ephemeral author yields the kind-13 seal, a second against the
// seal's author yields the inner kind-14/15 message.
//
// The returned Message carries the inner event (its id is the canonical
// dedupe id and its created_at the real send time; the wrap's created_at is
// fuzzed and useless for ordering), except that Content keeps the wrap's
// original ciphertext for audit. The seal is attached for potential reuse.
//
// On any failure the wrap itself is returned with Error set and the partner
// defaulting to the wrap's ephemeral author, as best-effort bucketing.
func decodeNIP17(ctx context.Context, sg Signer, self nostr.PubKey, wrap nostr.Event) (Message, nostr.PubKey, bool) {
	if wrap.Kind != nostr.KindGiftWrap {
		return Message{}, nostr.PubKey{}, false
	}

	fail := func(format string, args ...any) (Message, nostr.PubKey, bool) {
		return Message{Event: wrap, Error: fmt.Sprintf(format, args...)}, wrap.PubKey, true
	}

	dec, ok := nip44Capable(sg)
	if !ok {
		return fail("signer does not support nip-44 decryption")
	}

	sealJSON, err := dec.DecryptNIP44(ctx, wrap.Content, wrap.PubKey)
	if err != nil {
		return fail("failed to decrypt gift wrap: %s", err)
	}
	var seal nostr.Event
	if err := seal.UnmarshalJSON([]byte(sealJSON)); err != nil {
		return fail("gift wrap content is not an event: %s", err)
	}
	if seal.Kind != nostr.KindSeal {
		return fail("gift wrap carries a %v, expected a seal", seal.Kind)
	}

	innerJSON, err := dec.DecryptNIP44(ctx, seal.Content, seal.PubKey)
	if err != nil {
		return fail("failed to decrypt seal: %s", err)
	}
	var inner nostr.Event
	if err := inner.UnmarshalJSON([]byte(innerJSON)); err != nil {
		return fail("seal content is not an event: %s", err)
	}
	if inner.Kind != nostr.KindDirectMessage && inner.Kind != kindFileMessage {
		return fail("inner event is a %v, expected a direct message", inner.Kind)
	}

	partner := seal.PubKey
	if seal.PubKey == self {
		// sent by the user: the partner is the recipient p tag
		ptag := inner.Tags.Find("p")
		if ptag == nil {
			return fail("own message has no recipient tag")
		}
		pk, err := nostr.PubKeyFromHexCheap(ptag[1])
		if err != nil {
			return fail("own message has an invalid recipient tag")
		}
		partner = pk
	}
	if partner == self {
		return fail("conversation partner resolves to the user")
	}

	// the inner event is never signed, so its id may be unset
	if inner.ID == nostr.ZeroID {
		inner.ID = inner.GetID()
	}

	msg := Message{
		Event:     inner,
		Plaintext: inner.Content,
		Seal:      &seal,
	}
	msg.Event.Content = wrap.Content
	return msg, partner, true
}
