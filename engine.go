package dm

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip65"
	"fiatjaf.com/nostr/sdk/kvstore"
	kvstore_memory "fiatjaf.com/nostr/sdk/kvstore/memory"
	"github.com/rs/zerolog"
)

// RelayPool is the slice of the relay pool the engine consumes: one-shot
// filtered fetches, long-lived subscriptions and publishing. *nostr.Pool
// satisfies it.
type RelayPool interface {
	FetchMany(ctx context.Context, urls []string, filter nostr.Filter, opts nostr.SubscriptionOptions) chan nostr.RelayEvent
	SubscribeMany(ctx context.Context, urls []string, filter nostr.Filter, opts nostr.SubscriptionOptions) chan nostr.RelayEvent
	PublishMany(ctx context.Context, urls []string, evt nostr.Event) chan nostr.PublishResult
}

var _ RelayPool = (*nostr.Pool)(nil)

// Options configures an Engine. Pool, Signer and Relays are required.
type Options struct {
	Pool   RelayPool
	Signer Signer
	Relays []string

	// KVStore backs the encrypted conversation cache. Defaults to an
	// in-memory store; give a persistent one (e.g. the bbolt kvstore) to
	// actually survive restarts. A caller-supplied store stays open after
	// Close; the engine only closes stores it created itself.
	KVStore kvstore.KVStore

	// Namespace scopes cache keys so two applications sharing a store
	// don't collide. Defaults to "dm".
	Namespace string

	Logger *zerolog.Logger
	Mode   ProtocolMode

	// IgnoreInvalidForProtocolFlag stops messages that failed to decode
	// from marking their conversation with the protocol flag. The default
	// (false) keeps them counting, matching the historical behavior.
	IgnoreInvalidForProtocolFlag bool

	// FreshStart discards the cached document before the first load,
	// forcing a full relay backfill.
	FreshStart bool
}

// Engine is the session-scoped direct-message core for a single user: it
// keeps a consistent decrypted view of every one-to-one conversation across
// the legacy kind-4 protocol and gift-wrapped NIP-17, loading from an
// encrypted local cache first and then syncing from the relays.
//
// Create one per authenticated user with NewEngine, call Start once, and
// Close when the user logs out. An account change is a Close plus a new
// Engine for the new signer.
type Engine struct {
	log    *zerolog.Logger
	pool   RelayPool
	signer Signer
	kv     kvstore.KVStore
	mode   ProtocolMode

	self    nostr.PubKey
	reducer *reducer
	cache   *cacheStore
	persist *persister
	subs    *subManager

	relaysMu sync.Mutex
	relays   []string

	ctx    context.Context
	cancel context.CancelFunc

	ignoreInvalid bool
	ownsKV        bool

	nip04QueryTimeout time.Duration
	nip17QueryTimeout time.Duration

	started         atomic.Bool
	isLoading       atomic.Bool
	initialDone     atomic.Bool
	everLoaded      atomic.Bool
	reloadRequested atomic.Bool
	freshStart      bool

	phase atomic.Int32

	scanNIP04 atomic.Int64
	scanNIP17 atomic.Int64
}

// NewEngine validates options and assembles an engine; nothing touches the
// network or the store until Start.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("a relay pool is required")
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("a signer is required")
	}
	if len(opts.Relays) == 0 {
		return nil, fmt.Errorf("at least one relay is required")
	}

	log := opts.Logger
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	kv := opts.KVStore
	ownsKV := false
	if kv == nil {
		kv = kvstore_memory.NewStore()
		ownsKV = true
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "dm"
	}

	relays := make([]string, 0, len(opts.Relays))
	for _, url := range opts.Relays {
		relays = append(relays, nostr.NormalizeURL(url))
	}

	return &Engine{
		log:               log,
		pool:              opts.Pool,
		signer:            opts.Signer,
		kv:                kv,
		ownsKV:            ownsKV,
		mode:              opts.Mode,
		relays:            relays,
		freshStart:        opts.FreshStart,
		ignoreInvalid:     opts.IgnoreInvalidForProtocolFlag,
		nip04QueryTimeout: nip04QueryTimeout,
		nip17QueryTimeout: nip17QueryTimeout,
		cache: &cacheStore{
			kv:        kv,
			namespace: namespace,
			log:       log,
		},
		subs: newSubManager(),
	}, nil
}

// Start resolves the user identity and runs the initial load: the cached
// history is visible when Start returns, while relay backfill and live
// subscriptions continue in the background.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}

	self, err := e.signer.GetPublicKey(ctx)
	if err != nil {
		e.started.Store(false)
		return fmt.Errorf("failed to get user pubkey: %w", err)
	}
	e.self = self
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.reducer = newReducer(self, !e.ignoreInvalid)
	e.persist = newPersister(e.flushCache, cacheFlushDebounce)

	if e.freshStart {
		if err := e.cache.delete(self); err != nil {
			e.log.Warn().Err(err).Msg("dm cache clear on fresh start failed")
		}
	}

	e.load()
	return nil
}

// Close tears down subscriptions and flushes the cache one last time. Like
// the pool, a caller-supplied KVStore is not closed: it belongs to the
// application. Only the defaulted in-memory store is the engine's to close.
func (e *Engine) Close() {
	if !e.started.Load() {
		return
	}
	e.subs.stopAll()
	if e.persist != nil {
		e.persist.flushNow()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.ownsKV {
		if err := e.kv.Close(); err != nil {
			e.log.Warn().Err(err).Msg("dm kvstore close failed")
		}
	}
}

// PublicKey returns the user this engine belongs to.
func (e *Engine) PublicKey() nostr.PubKey { return e.self }

// Summaries returns the derived conversation list, most recent first.
func (e *Engine) Summaries() []Summary { return e.reducer.summaries() }

// Conversations returns a copy of the full conversation map.
func (e *Engine) Conversations() map[nostr.PubKey]Participant { return e.reducer.conversations() }

// Messages returns a copy of one peer's messages, ascending by created_at.
func (e *Engine) Messages(peer nostr.PubKey) []Message { return e.reducer.messages(peer) }

// LastSync returns the per-protocol high-water sync timestamps.
func (e *Engine) LastSync() LastSync { return e.reducer.getLastSyncAll() }

// Subscriptions reports the live subscription status per protocol.
func (e *Engine) Subscriptions() SubscriptionStatus {
	return SubscriptionStatus{
		NIP04Connected: e.subs.nip04Connected.Load(),
		NIP17Connected: e.subs.nip17Connected.Load(),
	}
}

// Mode returns the configured protocol mode.
func (e *Engine) Mode() ProtocolMode { return e.mode }

// Progress reports how many raw events backfill has scanned.
func (e *Engine) Progress() ScanProgress {
	return ScanProgress{
		NIP04Scanned: e.scanNIP04.Load(),
		NIP17Scanned: e.scanNIP17.Load(),
	}
}

// LoadingPhase returns the orchestrator's current phase.
func (e *Engine) LoadingPhase() LoadingPhase { return LoadingPhase(e.phase.Load()) }

// IsLoading reports whether the initial-load sequence is still running.
func (e *Engine) IsLoading() bool { return e.isLoading.Load() }

// IsDoingInitialLoad reports whether this is the first load of the session
// and it hasn't finished yet. Cached history may already be visible.
func (e *Engine) IsDoingInitialLoad() bool { return e.isLoading.Load() && !e.everLoaded.Load() }

// HasInitialLoadCompleted reports whether the cache phase of the current load
// has finished, i.e. whatever history was stored locally is already visible.
// Relay sync may still be running; gate on this instead of PhaseReady when
// the UI only needs the cached view.
func (e *Engine) HasInitialLoadCompleted() bool { return e.initialDone.Load() }

func (e *Engine) relayURLs() []string {
	e.relaysMu.Lock()
	defer e.relaysMu.Unlock()
	return slices.Clone(e.relays)
}

// UpdateRelays replaces the effective relay set. When it actually changed,
// the local cache can no longer be trusted to match what the new relays hold,
// so everything is dropped and refetched.
func (e *Engine) UpdateRelays(urls []string) {
	normalized := make([]string, 0, len(urls))
	for _, url := range urls {
		normalized = append(normalized, nostr.NormalizeURL(url))
	}

	e.relaysMu.Lock()
	changed := !slices.Equal(e.relays, normalized)
	if changed && len(normalized) > 0 {
		e.relays = normalized
	}
	e.relaysMu.Unlock()

	if changed && len(normalized) > 0 {
		e.log.Info().Strs("relays", normalized).Msg("dm relay set changed, refetching")
		e.ClearCacheAndRefetch()
	}
}

// UpdateRelaysFromEvent feeds a NIP-65 relay list (kind 10002) into the
// relay-change detector.
func (e *Engine) UpdateRelaysFromEvent(evt nostr.Event) {
	if evt.Kind != nostr.KindRelayListMetadata || evt.PubKey != e.self {
		return
	}
	read, write := nip65.ParseRelayList(evt)
	merged := read
	for _, url := range write {
		if !slices.Contains(merged, url) {
			merged = append(merged, url)
		}
	}
	if len(merged) > 0 {
		e.UpdateRelays(merged)
	}
}

// ClearCacheAndRefetch closes subscriptions, deletes the user's cache
// document, resets all in-memory conversation state and re-runs the whole
// load sequence.
func (e *Engine) ClearCacheAndRefetch() {
	if !e.started.Load() {
		return
	}

	e.subs.stopAll()
	if err := e.cache.delete(e.self); err != nil {
		e.log.Warn().Err(err).Msg("dm cache delete failed")
	}
	e.reducer.clear()
	e.scanNIP04.Store(0)
	e.scanNIP17.Store(0)
	e.initialDone.Store(false)
	e.phase.Store(int32(PhaseIdle))

	e.load()
}

func (e *Engine) flushCache() {
	doc := e.reducer.snapshot()
	// WithoutCancel so the final flush on Close still goes through
	if err := e.cache.write(context.WithoutCancel(e.ctx), e.self, doc, e.signer); err != nil {
		e.log.Warn().Err(err).Msg("dm cache write failed")
	}
}
