package dm

import (
	"context"
	"encoding/hex"
	"fmt"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/sdk/kvstore"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var cjson = jsoniter.ConfigCompatibleWithStandardLibrary

// CacheDocument is the persisted snapshot of a user's conversations: one
// document per user, overwritten on each flush. Message contents are stored
// as plaintext because the whole document is sealed as a single NIP-44 blob
// before it is written (when the signer supports NIP-44), so loading requires
// a single decryption instead of one per message.
type CacheDocument struct {
	Participants map[string]CachedParticipant `json:"participants"`
	LastSync     LastSync                     `json:"lastSync"`
}

type CachedParticipant struct {
	Messages     []CachedMessage `json:"messages"`
	LastActivity nostr.Timestamp `json:"lastActivity"`
	HasNIP4      bool            `json:"hasNIP4"`
	HasNIP17     bool            `json:"hasNIP17"`
}

// CachedMessage is one stored message. Content holds the decrypted plaintext;
// when decryption had failed, Content keeps the original ciphertext and Error
// records why, so the locked-message indicator survives a reload.
type CachedMessage struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt nostr.Timestamp `json:"created_at"`
	Kind      nostr.Kind      `json:"kind"`
	Tags      nostr.Tags      `json:"tags"`
	Content   string          `json:"content"`
	Sig       string          `json:"sig,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func toCachedMessage(m Message) CachedMessage {
	cm := CachedMessage{
		ID:        m.ID.Hex(),
		PubKey:    m.PubKey.Hex(),
		CreatedAt: m.CreatedAt,
		Kind:      m.Kind,
		Tags:      m.Tags,
		Content:   m.Plaintext,
		Error:     m.Error,
	}
	if m.Sig != [64]byte{} {
		cm.Sig = hex.EncodeToString(m.Sig[:])
	}
	if m.Error != "" {
		cm.Content = m.Event.Content
	}
	return cm
}

func (cm CachedMessage) toMessage() (Message, error) {
	id, err := nostr.IDFromHex(cm.ID)
	if err != nil {
		return Message{}, fmt.Errorf("bad cached message id: %w", err)
	}
	pk, err := nostr.PubKeyFromHexCheap(cm.PubKey)
	if err != nil {
		return Message{}, fmt.Errorf("bad cached message pubkey: %w", err)
	}

	msg := Message{
		Event: nostr.Event{
			ID:        id,
			PubKey:    pk,
			CreatedAt: cm.CreatedAt,
			Kind:      cm.Kind,
			Tags:      cm.Tags,
			Content:   cm.Content,
		},
		Error: cm.Error,
	}
	if cm.Sig != "" {
		hex.Decode(msg.Sig[:], []byte(cm.Sig))
	}
	if cm.Error == "" {
		// content is already plaintext inside the sealed envelope
		msg.Plaintext = cm.Content
	}
	return msg, nil
}

// cacheEnvelope is what actually sits in the kvstore when a NIP-44 capable
// signer was available at write time.
type cacheEnvelope struct {
	Encrypted bool   `json:"encrypted"`
	Data      string `json:"data"`
}

// cacheStore wraps a key/value database with one sealed document per user.
type cacheStore struct {
	kv        kvstore.KVStore
	namespace string
	log       *zerolog.Logger
}

// key scopes documents by namespace (the hosting application, so two apps
// sharing a store directory don't collide) and user pubkey.
func (cs *cacheStore) key(user nostr.PubKey) []byte {
	return []byte(cs.namespace + ":dm-cache:" + user.Hex())
}

// write serializes doc and stores it, sealing it against the user's own key
// when the signer supports NIP-44. Without that capability the document is
// stored as plain JSON (backward compatibility path).
func (cs *cacheStore) write(ctx context.Context, user nostr.PubKey, doc CacheDocument, sg Signer) error {
	plain, err := cjson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize cache document: %w", err)
	}

	data := plain
	if enc, ok := nip44Capable(sg); ok {
		ciphertext, err := enc.EncryptNIP44(ctx, string(plain), user)
		if err != nil {
			return fmt.Errorf("failed to seal cache document: %w", err)
		}
		data, err = cjson.Marshal(cacheEnvelope{Encrypted: true, Data: ciphertext})
		if err != nil {
			return err
		}
	}

	return cs.kv.Set(cs.key(user), data)
}

// read loads the stored document for user. It returns ok=false on a miss and
// on any decrypt or parse failure: a corrupted or unreadable cache is treated
// as absent so the engine falls through to a full relay backfill.
func (cs *cacheStore) read(ctx context.Context, user nostr.PubKey, sg Signer) (CacheDocument, bool) {
	var doc CacheDocument

	data, err := cs.kv.Get(cs.key(user))
	if err != nil {
		cs.log.Warn().Err(err).Msg("dm cache read failed")
		return doc, false
	}
	if data == nil {
		return doc, false
	}

	var envelope cacheEnvelope
	if err := cjson.Unmarshal(data, &envelope); err == nil && envelope.Encrypted {
		dec, ok := nip44Capable(sg)
		if !ok {
			// cache claims encrypted but signer can't decrypt: treat as miss
			cs.log.Warn().Msg("dm cache is encrypted but signer has no nip-44, discarding")
			return doc, false
		}
		plain, err := dec.DecryptNIP44(ctx, envelope.Data, user)
		if err != nil {
			cs.log.Warn().Err(err).Msg("dm cache decrypt failed, discarding")
			return doc, false
		}
		data = []byte(plain)
	}

	if err := cjson.Unmarshal(data, &doc); err != nil {
		cs.log.Warn().Err(err).Msg("dm cache parse failed, discarding")
		return doc, false
	}
	return doc, true
}

func (cs *cacheStore) delete(user nostr.PubKey) error {
	return cs.kv.Delete(cs.key(user))
}
