package dm

import (
	"context"
	"sync"
	"time"

	"fiatjaf.com/nostr"
)

const (
	backfillBatchSize = 1000
	backfillScanCap   = 20000

	nip04QueryTimeout = 15 * time.Second
	nip17QueryTimeout = 30 * time.Second

	// gift wraps carry a created_at randomized within ±2 days of the real
	// send time, so every since-bounded NIP-17 query must start 2 days
	// earlier than asked or fuzzed-backward wraps would be missed. The
	// duplicates produced by the overlap die in the reducer's id dedupe.
	nip17TimestampFuzz = nostr.Timestamp(2 * 24 * 60 * 60)

	nip04SubscriptionOverlap = nostr.Timestamp(10)
)

// backfill catches up one protocol from the relays with repeated bounded
// queries, feeding everything through the decoder into the reducer. It
// returns the newest real message timestamp observed and how many messages
// were actually new.
//
// A backfill that got a clean answer out of the relays records the current
// wall clock as the protocol's lastSync: the relays have been asked, and the
// next session must not re-request the same range. A query that timed out
// before any batch completed must NOT advance the watermark, or one offline
// launch would permanently skip that range.
func (e *Engine) backfill(ctx context.Context, protocol Protocol, since nostr.Timestamp) (nostr.Timestamp, int) {
	var newest nostr.Timestamp
	newMessages := 0
	scanned := 0
	cleanBatches := 0
	timedOut := false

	s := since
	if protocol == ProtocolNIP17 && s > nip17TimestampFuzz {
		s -= nip17TimestampFuzz
	} else if protocol == ProtocolNIP17 {
		s = 0
	}

	for {
		var batch []nostr.Event
		var next nostr.Timestamp
		var completed bool

		if protocol == ProtocolNIP04 {
			batch, next, completed = e.fetchNIP04Batch(ctx, s)
		} else {
			batch, next, completed = e.fetchNIP17Batch(ctx, s)
		}
		scanned += len(batch)
		e.noteScanned(protocol, len(batch))

		decodedBatch := make([]decoded, 0, len(batch))
		for _, evt := range batch {
			var msg Message
			var partner nostr.PubKey
			var ok bool
			if protocol == ProtocolNIP04 {
				msg, partner, ok = decodeNIP04(ctx, e.signer, e.self, evt)
			} else {
				msg, partner, ok = decodeNIP17(ctx, e.signer, e.self, evt)
			}
			if !ok {
				continue
			}
			if msg.Error == "" && msg.CreatedAt > newest {
				newest = msg.CreatedAt
			}
			decodedBatch = append(decodedBatch, decoded{msg: msg, partner: partner, protocol: protocol})
		}
		newMessages += e.reducer.merge(decodedBatch)

		if !completed {
			timedOut = true
			e.log.Warn().Stringer("protocol", protocol).Int("scanned", scanned).
				Msg("dm backfill query timed out, stopping")
			break
		}
		cleanBatches++

		if len(batch) == 0 || len(batch) < backfillBatchSize {
			break
		}
		if scanned >= backfillScanCap {
			e.log.Warn().Stringer("protocol", protocol).Int("scanned", scanned).
				Msg("dm backfill hit the scan cap, stopping")
			break
		}
		if next == s || ctx.Err() != nil {
			break
		}
		s = next
	}

	if ctx.Err() == nil && (!timedOut || cleanBatches > 0) {
		e.reducer.setLastSync(protocol, nostr.Now())
	}

	e.log.Debug().Stringer("protocol", protocol).
		Int("scanned", scanned).Int("new", newMessages).
		Msg("dm backfill done")
	return newest, newMessages
}

// fetchNIP04Batch runs the two kind-4 filter halves (messages to the user and
// messages from the user) in parallel and returns the merged batch plus the
// next pagination value: the minimum of the two halves' oldest timestamps.
// completed is false when the query deadline fired before the relays answered.
func (e *Engine) fetchNIP04Batch(ctx context.Context, since nostr.Timestamp) ([]nostr.Event, nostr.Timestamp, bool) {
	qctx, cancel := context.WithTimeout(ctx, e.nip04QueryTimeout)
	defer cancel()

	filters := []nostr.Filter{
		{
			Kinds: []nostr.Kind{nostr.KindEncryptedDirectMessage},
			Tags:  nostr.TagMap{"p": []string{e.self.Hex()}},
			Since: since,
			Limit: backfillBatchSize,
		},
		{
			Kinds:   []nostr.Kind{nostr.KindEncryptedDirectMessage},
			Authors: []nostr.PubKey{e.self},
			Since:   since,
			Limit:   backfillBatchSize,
		},
	}

	halves := make([][]nostr.Event, len(filters))
	oldest := make([]nostr.Timestamp, len(filters))

	wg := sync.WaitGroup{}
	wg.Add(len(filters))
	for i, filter := range filters {
		go func() {
			defer wg.Done()
			for ie := range e.pool.FetchMany(qctx, e.relayURLs(), filter, nostr.SubscriptionOptions{Label: "dm-backfill-nip4"}) {
				evt := ie.Event
				if evt.Kind != nostr.KindEncryptedDirectMessage || !evt.Tags.Has("p") || evt.Content == "" {
					continue
				}
				if oldest[i] == 0 || evt.CreatedAt < oldest[i] {
					oldest[i] = evt.CreatedAt
				}
				halves[i] = append(halves[i], evt)
			}
		}()
	}
	wg.Wait()

	seen := make(map[nostr.ID]struct{}, len(halves[0])+len(halves[1]))
	batch := make([]nostr.Event, 0, len(halves[0])+len(halves[1]))
	for _, half := range halves {
		for _, evt := range half {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			batch = append(batch, evt)
		}
	}

	next := oldest[0]
	if next == 0 || (oldest[1] != 0 && oldest[1] < next) {
		next = oldest[1]
	}
	return batch, next, qctx.Err() == nil
}

// fetchNIP17Batch pulls one bounded batch of gift wraps addressed to the
// user; the next pagination value is the batch's oldest (fuzzed) timestamp.
func (e *Engine) fetchNIP17Batch(ctx context.Context, since nostr.Timestamp) ([]nostr.Event, nostr.Timestamp, bool) {
	qctx, cancel := context.WithTimeout(ctx, e.nip17QueryTimeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds: []nostr.Kind{nostr.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{e.self.Hex()}},
		Since: since,
		Limit: backfillBatchSize,
	}

	var batch []nostr.Event
	var oldest nostr.Timestamp
	for ie := range e.pool.FetchMany(qctx, e.relayURLs(), filter, nostr.SubscriptionOptions{Label: "dm-backfill-nip17"}) {
		evt := ie.Event
		if evt.Kind != nostr.KindGiftWrap {
			continue
		}
		if oldest == 0 || evt.CreatedAt < oldest {
			oldest = evt.CreatedAt
		}
		batch = append(batch, evt)
	}
	return batch, oldest, qctx.Err() == nil
}

func (e *Engine) noteScanned(protocol Protocol, n int) {
	if protocol == ProtocolNIP04 {
		e.scanNIP04.Add(int64(n))
	} else {
		e.scanNIP17.Add(int64(n))
	}
}
