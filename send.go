package dm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip44"
	"github.com/google/uuid"
)

// Attachment is a prevalidated uploaded file: the upload path (Blossom or
// whatever else) already produced the URL and integrity hashes, the engine
// only folds them into the outgoing message.
type Attachment struct {
	URL      string
	MIMEType string
	Size     int64
	Name     string

	// integrity hashes as produced by the uploader, e.g. [["x", <sha256>]]
	Tags nostr.Tags
}

// imetaTag synthesizes the NIP-92 inline-metadata tag for one attachment.
func imetaTag(a Attachment) nostr.Tag {
	tag := nostr.Tag{"imeta", "url " + a.URL}
	if a.MIMEType != "" {
		tag = append(tag, "m "+a.MIMEType)
	}
	if a.Size > 0 {
		tag = append(tag, "size "+strconv.FormatInt(a.Size, 10))
	}
	if a.Name != "" {
		tag = append(tag, "name "+a.Name)
	}
	for _, t := range a.Tags {
		if len(t) >= 2 && (t[0] == "x" || t[0] == "ox") {
			tag = append(tag, t[0]+" "+t[1])
		}
	}
	return tag
}

// SendMessage sends text (plus optional attachments) to recipient over the
// given protocol.
//
// The returned Message is the optimistic placeholder that is already in the
// conversation map when this returns: it keeps Sending=true until the relay
// echo of the real event reconciles it. On publish failure the placeholder is
// left in place, still marked Sending, for the UI to surface; there is no
// rollback.
func (e *Engine) SendMessage(ctx context.Context, recipient nostr.PubKey, text string, protocol Protocol, attachments []Attachment) (Message, error) {
	if !e.started.Load() {
		return Message{}, fmt.Errorf("engine not started")
	}
	if recipient == e.self || recipient == (nostr.PubKey{}) {
		return Message{}, fmt.Errorf("invalid recipient")
	}
	if !e.mode.includes(protocol) {
		return Message{}, fmt.Errorf("%s is disabled", protocol)
	}

	composed := text
	tags := nostr.Tags{{"p", recipient.Hex()}}
	for _, a := range attachments {
		if composed != "" {
			composed += "\n\n"
		}
		composed += a.URL
		tags = append(tags, imetaTag(a))
	}
	if composed == "" {
		return Message{}, fmt.Errorf("nothing to send")
	}

	now := nostr.Now()
	kind := nostr.KindEncryptedDirectMessage
	if protocol == ProtocolNIP17 {
		// 14 regardless of attachments: reconciliation matches on author,
		// plaintext and time, not kind
		kind = nostr.KindDirectMessage
	}

	optimistic := Message{
		Event: nostr.Event{
			ID:        optimisticID(),
			PubKey:    e.self,
			CreatedAt: now,
			Kind:      kind,
			Tags:      tags,
		},
		Plaintext: composed,
		Sending:   true,
		FirstSeen: now,
	}
	e.reducer.applyOptimistic(optimistic, recipient, protocol)
	e.persist.schedule()

	var err error
	if protocol == ProtocolNIP04 {
		err = e.sendNIP04(ctx, recipient, composed, tags)
	} else {
		err = e.sendNIP17(ctx, recipient, composed, tags, len(attachments) > 0)
	}
	if err != nil {
		e.log.Warn().Err(err).Stringer("protocol", protocol).Msg("dm send failed")
		return optimistic, err
	}
	return optimistic, nil
}

func (e *Engine) sendNIP04(ctx context.Context, recipient nostr.PubKey, plaintext string, tags nostr.Tags) error {
	enc, ok := nip04Capable(e.signer)
	if !ok {
		return fmt.Errorf("signer does not support nip-04 encryption")
	}

	ciphertext, err := enc.EncryptNIP04(ctx, plaintext, recipient)
	if err != nil {
		return fmt.Errorf("failed to encrypt: %w", err)
	}

	evt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      tags,
		Content:   ciphertext,
	}
	if err := e.signer.SignEvent(ctx, &evt); err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	return e.publishEvent(ctx, evt)
}

// sendNIP17 builds the unsigned inner event, seals it twice (once readable by
// the recipient, once by the user so their own future sessions and other
// devices can reconstruct sent history), wraps each seal under a fresh
// ephemeral key with a fuzzed timestamp, and publishes both wraps in
// parallel. Only the inner event's author ever appears inside the encrypted
// layers; relays see nothing but throwaway keys.
func (e *Engine) sendNIP17(ctx context.Context, recipient nostr.PubKey, plaintext string, tags nostr.Tags, hasAttachments bool) error {
	enc, ok := nip44Capable(e.signer)
	if !ok {
		return fmt.Errorf("signer does not support nip-44 encryption")
	}

	innerKind := nostr.KindDirectMessage
	if hasAttachments {
		innerKind = kindFileMessage
	}

	// never signed, never published: exists only as a JSON payload
	inner := nostr.Event{
		PubKey:    e.self,
		CreatedAt: nostr.Now(),
		Kind:      innerKind,
		Tags:      tags,
		Content:   plaintext,
	}
	inner.ID = inner.GetID()
	innerJSON, err := inner.MarshalJSON()
	if err != nil {
		return err
	}

	makeWrap := func(reader nostr.PubKey) (nostr.Event, error) {
		sealContent, err := enc.EncryptNIP44(ctx, string(innerJSON), reader)
		if err != nil {
			return nostr.Event{}, fmt.Errorf("failed to seal: %w", err)
		}
		seal := nostr.Event{
			CreatedAt: nostr.Now(),
			Kind:      nostr.KindSeal,
			Tags:      nostr.Tags{},
			Content:   sealContent,
		}
		if err := e.signer.SignEvent(ctx, &seal); err != nil {
			return nostr.Event{}, fmt.Errorf("failed to sign seal: %w", err)
		}
		sealJSON, err := seal.MarshalJSON()
		if err != nil {
			return nostr.Event{}, err
		}
		return wrapSeal(sealJSON, reader)
	}

	recipientWrap, err := makeWrap(recipient)
	if err != nil {
		return err
	}
	selfWrap, err := makeWrap(e.self)
	if err != nil {
		return err
	}

	errs := make(chan error, 2)
	go func() { errs <- e.publishEvent(ctx, recipientWrap) }()
	go func() { errs <- e.publishEvent(ctx, selfWrap) }()

	var firstErr error
	for range 2 {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// wrapSeal produces the kind-1059 gift wrap for a seal: authored and signed
// by a key that is generated here and dropped, with a created_at drawn
// uniformly from [now−2d, now+2d]. Reusing the user's key or the real
// timestamp would leak exactly the metadata NIP-59 exists to hide.
func wrapSeal(sealJSON []byte, reader nostr.PubKey) (nostr.Event, error) {
	sk := nostr.Generate()
	ck, err := nip44.GenerateConversationKey(reader, sk)
	if err != nil {
		return nostr.Event{}, err
	}
	content, err := nip44.Encrypt(string(sealJSON), ck)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encrypt gift wrap: %w", err)
	}

	wrap := nostr.Event{
		CreatedAt: fuzzedNow(),
		Kind:      nostr.KindGiftWrap,
		Tags:      nostr.Tags{{"p", reader.Hex()}},
		Content:   content,
	}
	if err := wrap.Sign(sk); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign gift wrap: %w", err)
	}
	return wrap, nil
}

func fuzzedNow() nostr.Timestamp {
	spread := int64(2 * nip17TimestampFuzz)
	return nostr.Now() - nip17TimestampFuzz + nostr.Timestamp(rand.Int64N(spread+1))
}

// publishEvent fans the event out to every configured relay and succeeds if
// at least one accepted it.
func (e *Engine) publishEvent(ctx context.Context, evt nostr.Event) error {
	accepted := 0
	var firstErr error
	for res := range e.pool.PublishMany(ctx, e.relayURLs(), evt) {
		if res.Error != nil {
			e.log.Debug().Err(res.Error).Str("relay", res.RelayURL).Msg("dm publish rejected")
			if firstErr == nil {
				firstErr = res.Error
			}
			continue
		}
		accepted++
	}
	if accepted == 0 {
		if firstErr != nil {
			return fmt.Errorf("failed to publish to any relay: %w", firstErr)
		}
		return fmt.Errorf("failed to publish to any relay")
	}
	return nil
}

func optimisticID() nostr.ID {
	seed := fmt.Sprintf("optimistic-%d-%s", time.Now().UnixNano(), uuid.NewString())
	return nostr.ID(sha256.Sum256([]byte(seed)))
}
