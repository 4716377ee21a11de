package dm

import (
	"context"
	"testing"

	"fiatjaf.com/nostr"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) (*KeySigner, nostr.PubKey) {
	t.Helper()
	sk := nostr.Generate()
	signer, err := NewKeySigner(sk)
	require.NoError(t, err)
	pk, err := signer.GetPublicKey(context.Background())
	require.NoError(t, err)
	return signer, pk
}

func makeNIP04Event(t *testing.T, from *KeySigner, fromPk, to nostr.PubKey, text string) nostr.Event {
	t.Helper()
	ctx := context.Background()

	ciphertext, err := from.EncryptNIP04(ctx, text, to)
	require.NoError(t, err)

	evt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", to.Hex()}},
		Content:   ciphertext,
	}
	require.NoError(t, from.SignEvent(ctx, &evt))
	return evt
}

// makeGiftWrap builds the full kind-1059 envelope the way a sending client
// would: unsigned inner event, signed seal encrypted to the reader, ephemeral
// wrap.
func makeGiftWrap(t *testing.T, from *KeySigner, fromPk, to, reader nostr.PubKey, kind nostr.Kind, text string) nostr.Event {
	t.Helper()
	ctx := context.Background()

	inner := nostr.Event{
		PubKey:    fromPk,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{{"p", to.Hex()}},
		Content:   text,
	}
	inner.ID = inner.GetID()
	innerJSON, err := inner.MarshalJSON()
	require.NoError(t, err)

	sealContent, err := from.EncryptNIP44(ctx, string(innerJSON), reader)
	require.NoError(t, err)
	seal := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindSeal,
		Tags:      nostr.Tags{},
		Content:   sealContent,
	}
	require.NoError(t, from.SignEvent(ctx, &seal))
	sealJSON, err := seal.MarshalJSON()
	require.NoError(t, err)

	wrap, err := wrapSeal(sealJSON, reader)
	require.NoError(t, err)
	return wrap
}

func TestDecodeNIP04(t *testing.T) {
	ctx := context.Background()
	alice, alicePk := newTestSigner(t)
	bob, bobPk := newTestSigner(t)

	evt := makeNIP04Event(t, alice, alicePk, bobPk, "hello bob")

	// inbound: bob decodes a message from alice
	msg, partner, ok := decodeNIP04(ctx, bob, bobPk, evt)
	require.True(t, ok)
	require.Equal(t, alicePk, partner)
	require.Equal(t, "hello bob", msg.Plaintext)
	require.Empty(t, msg.Error)

	// own sent copy: alice decodes her own event, partner is the p tag
	msg, partner, ok = decodeNIP04(ctx, alice, alicePk, evt)
	require.True(t, ok)
	require.Equal(t, bobPk, partner)
	require.Equal(t, "hello bob", msg.Plaintext)
}

func TestDecodeNIP04Rejects(t *testing.T) {
	ctx := context.Background()
	alice, alicePk := newTestSigner(t)

	// wrong kind
	_, _, ok := decodeNIP04(ctx, alice, alicePk, nostr.Event{Kind: 1, Content: "x"})
	require.False(t, ok)

	// empty content
	_, _, ok = decodeNIP04(ctx, alice, alicePk, nostr.Event{Kind: nostr.KindEncryptedDirectMessage})
	require.False(t, ok)

	// own event without a p tag can't be attributed to a conversation
	own := nostr.Event{
		PubKey:  alicePk,
		Kind:    nostr.KindEncryptedDirectMessage,
		Content: "x?iv=y",
	}
	_, _, ok = decodeNIP04(ctx, alice, alicePk, own)
	require.False(t, ok)

	// note-to-self resolves partner to the user, rejected
	self := makeNIP04Event(t, alice, alicePk, alicePk, "note")
	_, _, ok = decodeNIP04(ctx, alice, alicePk, self)
	require.False(t, ok)
}

func TestDecodeNIP04UndecryptableKeepsMessage(t *testing.T) {
	ctx := context.Background()
	alice, alicePk := newTestSigner(t)
	_, bobPk := newTestSigner(t)

	evt := nostr.Event{
		PubKey:    bobPk,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", alicePk.Hex()}},
		Content:   "not actual ciphertext?iv=garbage",
	}

	msg, partner, ok := decodeNIP04(ctx, alice, alicePk, evt)
	require.True(t, ok)
	require.Equal(t, bobPk, partner)
	require.NotEmpty(t, msg.Error)
	require.Empty(t, msg.Plaintext)
	// original ciphertext stays on the event for the locked indicator
	require.Equal(t, evt.Content, msg.Event.Content)
}

func TestDecodeNIP17RoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, alicePk := newTestSigner(t)
	bob, bobPk := newTestSigner(t)

	wrap := makeGiftWrap(t, alice, alicePk, bobPk, bobPk, nostr.KindDirectMessage, "wrapped hello")
	require.NotEqual(t, alicePk, wrap.PubKey, "wrap must be authored by a throwaway key")

	msg, partner, ok := decodeNIP17(ctx, bob, bobPk, wrap)
	require.True(t, ok)
	require.Equal(t, alicePk, partner)
	require.Empty(t, msg.Error)
	require.Equal(t, "wrapped hello", msg.Plaintext)
	require.Equal(t, nostr.KindDirectMessage, msg.Kind)
	require.Equal(t, alicePk, msg.PubKey, "message is attributed to the seal author, not the wrap key")
	require.NotEqual(t, nostr.ZeroID, msg.ID)
	// the real send time survives even though the wrap timestamp is fuzzed
	require.LessOrEqual(t, absDiff(msg.CreatedAt, nostr.Now()), nostr.Timestamp(30))
	require.NotNil(t, msg.Seal)
	require.Equal(t, nostr.KindSeal, msg.Seal.Kind)
	// Content keeps the wrap ciphertext
	require.Equal(t, wrap.Content, msg.Event.Content)
}

func TestDecodeNIP17OwnCopy(t *testing.T) {
	ctx := context.Background()
	alice, alicePk := newTestSigner(t)
	_, bobPk := newTestSigner(t)

	// the self-addressed copy a sender publishes for their own history
	wrap := makeGiftWrap(t, alice, alicePk, bobPk, alicePk, nostr.KindDirectMessage, "my own copy")

	msg, partner, ok := decodeNIP17(ctx, alice, alicePk, wrap)
	require.True(t, ok)
	require.Equal(t, bobPk, partner, "own message buckets under the recipient")
	require.Equal(t, "my own copy", msg.Plaintext)
}

func TestDecodeNIP17FileMessage(t *testing.T) {
	ctx := context.Background()
	alice, alicePk := newTestSigner(t)
	bob, bobPk := newTestSigner(t)

	wrap := makeGiftWrap(t, alice, alicePk, bobPk, bobPk, kindFileMessage, "https://files.example/pic.jpg")

	msg, _, ok := decodeNIP17(ctx, bob, bobPk, wrap)
	require.True(t, ok)
	require.Empty(t, msg.Error)
	require.Equal(t, kindFileMessage, msg.Kind)
}

func TestDecodeNIP17InvalidInnerKind(t *testing.T) {
	ctx := context.Background()
	alice, alicePk := newTestSigner(t)
	bob, bobPk := newTestSigner(t)

	wrap := makeGiftWrap(t, alice, alicePk, bobPk, bobPk, 1, "a short text note, not a dm")

	msg, partner, ok := decodeNIP17(ctx, bob, bobPk, wrap)
	require.True(t, ok)
	require.NotEmpty(t, msg.Error)
	require.Empty(t, msg.Plaintext)
	// best-effort bucketing under the wrap's ephemeral author
	require.Equal(t, wrap.PubKey, partner)
}

func TestDecodeNIP17UndecryptableWrap(t *testing.T) {
	ctx := context.Background()
	_, alicePk := newTestSigner(t)
	bob, bobPk := newTestSigner(t)

	// addressed to someone else entirely: bob can't open it
	wrap := nostr.Event{
		PubKey:    alicePk,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindGiftWrap,
		Tags:      nostr.Tags{{"p", bobPk.Hex()}},
		Content:   "bm90IHJlYWwgY2lwaGVydGV4dA",
	}

	msg, partner, ok := decodeNIP17(ctx, bob, bobPk, wrap)
	require.True(t, ok)
	require.NotEmpty(t, msg.Error)
	require.Equal(t, alicePk, partner)
}

func TestDecodeNIP17WrongKind(t *testing.T) {
	ctx := context.Background()
	bob, bobPk := newTestSigner(t)
	_, _, ok := decodeNIP17(ctx, bob, bobPk, nostr.Event{Kind: 1})
	require.False(t, ok)
}
