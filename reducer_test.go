package dm

import (
	"testing"

	"fiatjaf.com/nostr"
	"github.com/stretchr/testify/require"
)

func testID(n byte) nostr.ID {
	var id nostr.ID
	id[0] = n
	id[31] = n
	return id
}

func testPubKey(n byte) nostr.PubKey {
	var pk nostr.PubKey
	pk[0] = n
	return pk
}

func plainMessage(id byte, author nostr.PubKey, createdAt nostr.Timestamp, text string) Message {
	return Message{
		Event: nostr.Event{
			ID:        testID(id),
			PubKey:    author,
			CreatedAt: createdAt,
			Kind:      nostr.KindEncryptedDirectMessage,
		},
		Plaintext: text,
	}
}

func TestReducerOrderingAndDedupe(t *testing.T) {
	self := testPubKey(1)
	peer := testPubKey(2)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000_000 }

	added := r.merge([]decoded{
		{msg: plainMessage(3, peer, 300, "third"), partner: peer, protocol: ProtocolNIP04},
		{msg: plainMessage(1, peer, 100, "first"), partner: peer, protocol: ProtocolNIP04},
		{msg: plainMessage(2, self, 200, "second"), partner: peer, protocol: ProtocolNIP04},
		{msg: plainMessage(1, peer, 100, "first"), partner: peer, protocol: ProtocolNIP04}, // dup
	})
	require.Equal(t, 3, added)

	msgs := r.messages(peer)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Plaintext)
	require.Equal(t, "second", msgs[1].Plaintext)
	require.Equal(t, "third", msgs[2].Plaintext)

	convs := r.conversations()
	require.Equal(t, nostr.Timestamp(300), convs[peer].LastActivity)
	require.True(t, convs[peer].HasNIP04)
	require.False(t, convs[peer].HasNIP17)

	// redelivery of the whole batch is a no-op
	require.Zero(t, r.merge([]decoded{
		{msg: plainMessage(3, peer, 300, "third"), partner: peer, protocol: ProtocolNIP04},
	}))
}

func TestReducerStableOrderOnEqualTimestamps(t *testing.T) {
	self := testPubKey(1)
	peer := testPubKey(2)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000_000 }

	r.merge([]decoded{
		{msg: plainMessage(1, peer, 500, "a"), partner: peer, protocol: ProtocolNIP04},
		{msg: plainMessage(2, peer, 500, "b"), partner: peer, protocol: ProtocolNIP04},
		{msg: plainMessage(3, peer, 500, "c"), partner: peer, protocol: ProtocolNIP04},
	})

	msgs := r.messages(peer)
	require.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].Plaintext, msgs[1].Plaintext, msgs[2].Plaintext})
}

func TestReducerRejectsSelfAndZeroPartner(t *testing.T) {
	self := testPubKey(1)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000_000 }

	require.False(t, r.addSingle(decoded{msg: plainMessage(1, self, 100, "x"), partner: self, protocol: ProtocolNIP04}))
	require.False(t, r.addSingle(decoded{msg: plainMessage(2, self, 100, "x"), partner: nostr.PubKey{}, protocol: ProtocolNIP04}))
	require.Empty(t, r.conversations())
}

func TestReducerOptimisticReconciliation(t *testing.T) {
	self := testPubKey(1)
	peer := testPubKey(2)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000_000 }

	optimistic := plainMessage(9, self, 1000, "hello")
	optimistic.Sending = true
	optimistic.FirstSeen = 999_999
	require.True(t, r.applyOptimistic(optimistic, peer, ProtocolNIP17))

	// the relay echo arrives a little later with the real id
	echo := plainMessage(10, self, 1010, "hello")
	require.True(t, r.addSingle(decoded{msg: echo, partner: peer, protocol: ProtocolNIP17}))

	msgs := r.messages(peer)
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].Sending)
	require.Equal(t, testID(10), msgs[0].ID)
	// position and UI hints come from the placeholder
	require.Equal(t, nostr.Timestamp(1000), msgs[0].CreatedAt)
	require.Equal(t, nostr.Timestamp(999_999), msgs[0].FirstSeen)

	// both the placeholder id and the real id are now burned
	require.False(t, r.addSingle(decoded{msg: plainMessage(10, self, 1010, "hello"), partner: peer, protocol: ProtocolNIP17}))
	old := plainMessage(9, self, 1000, "hello")
	require.True(t, r.addSingle(decoded{msg: old, partner: peer, protocol: ProtocolNIP17}))
	require.Len(t, r.messages(peer), 2)
}

func TestReducerOptimisticNoMatchOutsideWindow(t *testing.T) {
	self := testPubKey(1)
	peer := testPubKey(2)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000_000 }

	optimistic := plainMessage(9, self, 1000, "hello")
	optimistic.Sending = true
	r.applyOptimistic(optimistic, peer, ProtocolNIP04)

	// same author and text, but too far in time to be the same message
	late := plainMessage(10, self, 1031, "hello")
	require.True(t, r.addSingle(decoded{msg: late, partner: peer, protocol: ProtocolNIP04}))

	msgs := r.messages(peer)
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].Sending)
	require.False(t, msgs[1].Sending)
}

func TestReducerFirstSeenStamp(t *testing.T) {
	self := testPubKey(1)
	peer := testPubKey(2)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000 }

	fresh := plainMessage(1, peer, 998, "fresh") // 2s old
	stale := plainMessage(2, peer, 500, "stale")
	r.merge([]decoded{
		{msg: fresh, partner: peer, protocol: ProtocolNIP04},
		{msg: stale, partner: peer, protocol: ProtocolNIP04},
	})

	msgs := r.messages(peer)
	require.Equal(t, nostr.Timestamp(1_000), msgs[1].FirstSeen)
	require.Zero(t, msgs[0].FirstSeen)
}

func TestReducerProtocolFlagForInvalidMessages(t *testing.T) {
	self := testPubKey(1)
	peer := testPubKey(2)

	errored := plainMessage(1, peer, 100, "")
	errored.Error = "failed to decrypt"

	counting := newReducer(self, true)
	counting.now = func() nostr.Timestamp { return 1_000_000 }
	counting.addSingle(decoded{msg: errored, partner: peer, protocol: ProtocolNIP17})
	require.True(t, counting.conversations()[peer].HasNIP17)

	ignoring := newReducer(self, false)
	ignoring.now = func() nostr.Timestamp { return 1_000_000 }
	ignoring.addSingle(decoded{msg: errored, partner: peer, protocol: ProtocolNIP17})
	require.False(t, ignoring.conversations()[peer].HasNIP17)

	// a valid message still marks the flag either way
	ignoring.addSingle(decoded{msg: plainMessage(2, peer, 200, "ok"), partner: peer, protocol: ProtocolNIP17})
	require.True(t, ignoring.conversations()[peer].HasNIP17)
}

func TestReducerLastSyncMonotonic(t *testing.T) {
	r := newReducer(testPubKey(1), true)

	r.setLastSync(ProtocolNIP04, 100)
	r.setLastSync(ProtocolNIP04, 50) // older, ignored
	r.setLastSync(ProtocolNIP17, 200)

	require.Equal(t, nostr.Timestamp(100), r.getLastSync(ProtocolNIP04))
	require.Equal(t, nostr.Timestamp(200), r.getLastSync(ProtocolNIP17))
	require.Equal(t, LastSync{NIP04: 100, NIP17: 200}, r.getLastSyncAll())
}

func TestReducerClear(t *testing.T) {
	self := testPubKey(1)
	peer := testPubKey(2)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000_000 }

	r.addSingle(decoded{msg: plainMessage(1, peer, 100, "x"), partner: peer, protocol: ProtocolNIP04})
	r.setLastSync(ProtocolNIP04, 100)
	r.clear()

	require.Empty(t, r.conversations())
	require.Zero(t, r.getLastSyncAll())

	// cleared ids are accepted again
	require.True(t, r.addSingle(decoded{msg: plainMessage(1, peer, 100, "x"), partner: peer, protocol: ProtocolNIP04}))
}

func TestReducerSnapshotLoadRoundTrip(t *testing.T) {
	self := testPubKey(1)
	peer := testPubKey(2)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000_000 }

	r.merge([]decoded{
		{msg: plainMessage(1, peer, 100, "hi"), partner: peer, protocol: ProtocolNIP04},
		{msg: plainMessage(2, self, 200, "hey"), partner: peer, protocol: ProtocolNIP17},
	})
	pending := plainMessage(3, self, 300, "unsent")
	pending.Sending = true
	r.applyOptimistic(pending, peer, ProtocolNIP17)
	r.setLastSync(ProtocolNIP04, 250)

	doc := r.snapshot()
	require.Len(t, doc.Participants, 1)
	// the unconfirmed optimistic message must not be persisted
	require.Len(t, doc.Participants[peer.Hex()].Messages, 2)
	require.Equal(t, nostr.Timestamp(250), doc.LastSync.NIP04)

	restored := newReducer(self, true)
	restored.now = func() nostr.Timestamp { return 1_000_000 }
	restored.load(doc)

	msgs := restored.messages(peer)
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Plaintext)
	require.Equal(t, "hey", msgs[1].Plaintext)
	require.Equal(t, LastSync{NIP04: 250}, restored.getLastSyncAll())
	require.True(t, restored.conversations()[peer].HasNIP04)
	require.True(t, restored.conversations()[peer].HasNIP17)
}

func TestSummaries(t *testing.T) {
	self := testPubKey(1)
	known := testPubKey(2)
	request := testPubKey(3)
	r := newReducer(self, true)
	r.now = func() nostr.Timestamp { return 1_000_000 }

	r.merge([]decoded{
		{msg: plainMessage(1, known, 100, "hi"), partner: known, protocol: ProtocolNIP04},
		{msg: plainMessage(2, self, 200, "hello back"), partner: known, protocol: ProtocolNIP04},
		{msg: plainMessage(3, request, 300, "stranger danger"), partner: request, protocol: ProtocolNIP17},
	})

	summaries := r.summaries()
	require.Len(t, summaries, 2)

	// most recently active first
	require.Equal(t, request, summaries[0].PubKey)
	require.True(t, summaries[0].IsRequest)
	require.False(t, summaries[0].IsKnown)
	require.False(t, summaries[0].LastMessageFromUser)
	require.Equal(t, "stranger danger", summaries[0].LastMessage.Plaintext)

	require.Equal(t, known, summaries[1].PubKey)
	require.True(t, summaries[1].IsKnown)
	require.False(t, summaries[1].IsRequest)
	require.True(t, summaries[1].LastMessageFromUser)
}
