package dm

import (
	"context"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip04"
	"fiatjaf.com/nostr/nip44"
	"github.com/puzpuzpuz/xsync/v3"
)

// Signer is the minimal signing capability the engine requires: an identity
// and the ability to sign events (seals on the NIP-17 send path).
//
// Encryption capabilities are optional and discovered through the NIP04Signer
// and NIP44Signer interfaces. When a capability is missing the engine doesn't
// fail hard: affected inbound events become errored Messages and sends of the
// affected protocol return an error.
type Signer interface {
	GetPublicKey(ctx context.Context) (nostr.PubKey, error)
	SignEvent(ctx context.Context, evt *nostr.Event) error
}

// NIP04Signer is the optional legacy encryption capability.
type NIP04Signer interface {
	EncryptNIP04(ctx context.Context, plaintext string, peer nostr.PubKey) (string, error)
	DecryptNIP04(ctx context.Context, ciphertext string, peer nostr.PubKey) (string, error)
}

// NIP44Signer is the optional v2 encryption capability. It is required for
// NIP-17 messaging and for sealing the local cache.
type NIP44Signer interface {
	EncryptNIP44(ctx context.Context, plaintext string, peer nostr.PubKey) (string, error)
	DecryptNIP44(ctx context.Context, ciphertext string, peer nostr.PubKey) (string, error)
}

func nip04Capable(sg Signer) (NIP04Signer, bool) {
	s, ok := sg.(NIP04Signer)
	return s, ok
}

func nip44Capable(sg Signer) (NIP44Signer, bool) {
	s, ok := sg.(NIP44Signer)
	return s, ok
}

var (
	_ Signer      = (*KeySigner)(nil)
	_ NIP04Signer = (*KeySigner)(nil)
	_ NIP44Signer = (*KeySigner)(nil)
)

// KeySigner is a full-capability signer that holds the private key in memory.
type KeySigner struct {
	sk [32]byte
	pk nostr.PubKey

	conversationKeys *xsync.MapOf[nostr.PubKey, [32]byte] // nip44
	sharedSecrets    *xsync.MapOf[nostr.PubKey, []byte]   // nip04
}

// NewKeySigner creates a KeySigner from a private key.
func NewKeySigner(sec [32]byte) (*KeySigner, error) {
	pk := nostr.GetPublicKey(sec)
	return &KeySigner{
		sk:               sec,
		pk:               pk,
		conversationKeys: xsync.NewMapOf[nostr.PubKey, [32]byte](),
		sharedSecrets:    xsync.NewMapOf[nostr.PubKey, []byte](),
	}, nil
}

// GetPublicKey returns the public key associated with this signer.
func (ks *KeySigner) GetPublicKey(ctx context.Context) (nostr.PubKey, error) { return ks.pk, nil }

// SignEvent signs the provided event with the signer's private key.
// It sets the event's ID, PubKey, and Sig fields.
func (ks *KeySigner) SignEvent(ctx context.Context, evt *nostr.Event) error { return evt.Sign(ks.sk) }

func (ks *KeySigner) conversationKey(peer nostr.PubKey) ([32]byte, error) {
	ck, ok := ks.conversationKeys.Load(peer)
	if !ok {
		var err error
		ck, err = nip44.GenerateConversationKey(peer, ks.sk)
		if err != nil {
			return ck, err
		}
		ks.conversationKeys.Store(peer, ck)
	}
	return ck, nil
}

func (ks *KeySigner) sharedSecret(peer nostr.PubKey) ([]byte, error) {
	ss, ok := ks.sharedSecrets.Load(peer)
	if !ok {
		var err error
		ss, err = nip04.ComputeSharedSecret(peer, ks.sk)
		if err != nil {
			return nil, err
		}
		ks.sharedSecrets.Store(peer, ss)
	}
	return ss, nil
}

// EncryptNIP44 encrypts a plaintext for a peer using NIP-44, caching
// conversation keys for repeated operations.
func (ks *KeySigner) EncryptNIP44(ctx context.Context, plaintext string, peer nostr.PubKey) (string, error) {
	ck, err := ks.conversationKey(peer)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, ck)
}

// DecryptNIP44 decrypts a base64 NIP-44 ciphertext from a peer.
func (ks *KeySigner) DecryptNIP44(ctx context.Context, ciphertext string, peer nostr.PubKey) (string, error) {
	ck, err := ks.conversationKey(peer)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(ciphertext, ck)
}

// EncryptNIP04 encrypts a plaintext for a peer using the legacy NIP-04 scheme.
func (ks *KeySigner) EncryptNIP04(ctx context.Context, plaintext string, peer nostr.PubKey) (string, error) {
	ss, err := ks.sharedSecret(peer)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, ss)
}

// DecryptNIP04 decrypts a legacy NIP-04 ciphertext from a peer.
func (ks *KeySigner) DecryptNIP04(ctx context.Context, ciphertext string, peer nostr.PubKey) (string, error) {
	ss, err := ks.sharedSecret(peer)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(ciphertext, ss)
}
