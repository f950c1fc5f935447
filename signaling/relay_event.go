// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// RelayEventKind is the event kind relays carry for mesh signaling.
const RelayEventKind = 25050

// Relay frame types.
const (
	frameEvent  = "EVENT"
	frameReq    = "REQ"
	frameClose  = "CLOSE"
	frameOK     = "OK"
	frameEOSE   = "EOSE"
	frameNotice = "NOTICE"
)

const (
	tagTopic      = "t"
	tagExpiration = "expiration"
)

const sealVersion byte = 1

var (
	contentKeyInfo = []byte("syncshell signaling content v1")
	topicKeyInfo   = []byte("syncshell relay topic v1")
	mailboxKeyInfo = []byte("syncshell mailbox name v1")
)

// Event is a signed, content-addressed relay message. The shape
// follows the Nostr event layout: ID is the blake3 digest of the
// canonical serialization and Sig an Ed25519 signature over it.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Filter selects events for a subscription.
type Filter struct {
	Topics []string `json:"#t,omitempty"`
	Kinds  []int    `json:"kinds,omitempty"`
	Since  int64    `json:"since,omitempty"`
}

func (e *Event) canonical() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	return json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
}

func (e *Event) computeID() (string, error) {
	serialized, err := e.canonical()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}

// signEvent fills in the event's id and signature.
func signEvent(event *Event, sign func([]byte) []byte) error {
	id, err := event.computeID()
	if err != nil {
		return fmt.Errorf("serializing event: %w", err)
	}
	raw, _ := hex.DecodeString(id)
	event.ID = id
	event.Sig = hex.EncodeToString(sign(raw))
	return nil
}

// Verify checks that the event's id matches its content and that the
// signature was made by its public key.
func (e *Event) Verify() error {
	id, err := e.computeID()
	if err != nil {
		return fmt.Errorf("serializing event: %w", err)
	}
	if id != e.ID {
		return errors.New("event id does not match content")
	}
	public, err := hex.DecodeString(e.PubKey)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return errors.New("malformed event public key")
	}
	signature, err := hex.DecodeString(e.Sig)
	if err != nil {
		return errors.New("malformed event signature")
	}
	raw, _ := hex.DecodeString(e.ID)
	if !ed25519.Verify(public, raw, signature) {
		return errors.New("bad event signature")
	}
	return nil
}

// Tag returns the first value of the named tag.
func (e *Event) Tag(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// Expiration returns the event's expiration time in unix seconds, or
// zero if it has none.
func (e *Event) Expiration() int64 {
	value, ok := e.Tag(tagExpiration)
	if !ok {
		return 0
	}
	expiration, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return expiration
}

// Expired reports whether the event's expiration is at or before now.
func (e *Event) Expired(now int64) bool {
	expiration := e.Expiration()
	return expiration != 0 && expiration <= now
}

// Matches reports whether the event satisfies filter.
func (f Filter) Matches(event *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, event.Kind) {
		return false
	}
	if f.Since != 0 && event.CreatedAt < f.Since {
		return false
	}
	if len(f.Topics) > 0 {
		topic, ok := event.Tag(tagTopic)
		if !ok || !containsString(f.Topics, topic) {
			return false
		}
	}
	return true
}

func containsInt(values []int, value int) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// meshKeys are the mesh-scoped keys for relay and mailbox signaling.
// Servers see only topics, mailbox names and sealed content; none of
// them reveals the session or the descriptions.
type meshKeys struct {
	content [chacha20poly1305.KeySize]byte
	topic   [32]byte
	mailbox [32]byte
}

func deriveMeshKeys(meshID string, secret []byte) (meshKeys, error) {
	var keys meshKeys
	for _, derivation := range []struct {
		info []byte
		key  []byte
	}{
		{contentKeyInfo, keys.content[:]},
		{topicKeyInfo, keys.topic[:]},
		{mailboxKeyInfo, keys.mailbox[:]},
	} {
		reader := hkdf.New(sha256.New, secret, []byte(meshID), derivation.info)
		if _, err := io.ReadFull(reader, derivation.key); err != nil {
			return keys, fmt.Errorf("deriving %s key: %w", derivation.info, err)
		}
	}
	return keys, nil
}

// topicFor derives the relay subscription topic of session.
func (k meshKeys) topicFor(session string) string {
	return keyedDigest(k.topic[:], session)
}

// mailboxFor derives the mailbox name of session.
func (k meshKeys) mailboxFor(session string) string {
	return keyedDigest(k.mailbox[:], session)
}

func keyedDigest(key []byte, session string) string {
	hasher, _ := blake3.NewKeyed(key)
	hasher.Write([]byte(session))
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}

// seal encrypts plaintext with XChaCha20-Poly1305, binding it to the
// topic or mailbox it is published under.
//
//	[version 1][nonce 24][ciphertext+tag]
func (k meshKeys) seal(plaintext []byte, topic string) (string, error) {
	aead, err := chacha20poly1305.NewX(k.content[:])
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	output := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	output[0] = sealVersion
	copy(output[1:], nonce[:])
	output = aead.Seal(output, nonce[:], plaintext, []byte(topic))
	return base64.StdEncoding.EncodeToString(output), nil
}

func (k meshKeys) open(content, topic string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || sealed[0] != sealVersion {
		return nil, errors.New("malformed sealed content")
	}
	aead, err := chacha20poly1305.NewX(k.content[:])
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], []byte(topic))
	if err != nil {
		return nil, fmt.Errorf("opening content: %w", err)
	}
	return plaintext, nil
}

// frame builds a relay frame: a JSON array headed by its type.
func frame(kind string, fields ...any) ([]byte, error) {
	return json.Marshal(append([]any{kind}, fields...))
}

// parseFrame splits a relay frame into its type and raw fields.
func parseFrame(data []byte) (string, []json.RawMessage, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, fmt.Errorf("parsing frame: %w", err)
	}
	if len(fields) == 0 {
		return "", nil, errors.New("empty frame")
	}
	var kind string
	if err := json.Unmarshal(fields[0], &kind); err != nil {
		return "", nil, fmt.Errorf("parsing frame type: %w", err)
	}
	return kind, fields[1:], nil
}
