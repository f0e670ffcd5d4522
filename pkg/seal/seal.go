// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package seal wraps message content with a shared key so that endpoints
// route it without reading it.
//
// Wire format of a sealed content value is a JSON string holding
// base64(nonce[12] || ciphertext || tag[16]). The message id and sender are
// bound as associated data, so a sealed payload cannot be replayed under
// another message.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/absmach/fluxmesh/message"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// Version is stored in message metadata under MetadataKey.
	Version     = "fluxmesh-seal-v1"
	MetadataKey = "sealed"

	minSecretSize = 16
)

var (
	ErrShortSecret = errors.New("seal: secret must be at least 16 bytes")
	ErrNotSealed   = errors.New("seal: message is not sealed")
	ErrMalformed   = errors.New("seal: malformed sealed content")
	ErrOpen        = errors.New("seal: wrong key or tampered content")
)

// Sealer seals and opens message content.
type Sealer struct {
	aead cipher.AEAD
}

// New derives a ChaCha20-Poly1305 key from secret with HKDF-SHA256.
func New(secret []byte) (*Sealer, error) {
	if len(secret) < minSecretSize {
		return nil, ErrShortSecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(Version)), key); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// IsSealed reports whether msg carries sealed content.
func IsSealed(msg message.Message) bool {
	v, ok := msg.Metadata[MetadataKey]
	return ok && v == Version
}

// Seal returns a copy of msg with its content encrypted. Already sealed
// messages are returned unchanged.
func (s *Sealer) Seal(msg message.Message) (message.Message, error) {
	if IsSealed(msg) {
		return msg, nil
	}
	out := msg.Clone()

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(msg.Content)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return message.Message{}, err
	}
	wire := s.aead.Seal(nonce, nonce, msg.Content, associatedData(msg))

	content, err := json.Marshal(base64.StdEncoding.EncodeToString(wire))
	if err != nil {
		return message.Message{}, err
	}
	out.Content = content
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata[MetadataKey] = Version
	return out, nil
}

// Open returns a copy of msg with its content decrypted.
func (s *Sealer) Open(msg message.Message) (message.Message, error) {
	if !IsSealed(msg) {
		return message.Message{}, ErrNotSealed
	}
	text, ok := msg.Text()
	if !ok {
		return message.Message{}, ErrMalformed
	}
	wire, err := base64.StdEncoding.DecodeString(text)
	if err != nil || len(wire) < s.aead.NonceSize()+s.aead.Overhead() {
		return message.Message{}, ErrMalformed
	}

	ns := s.aead.NonceSize()
	plain, err := s.aead.Open(nil, wire[:ns], wire[ns:], associatedData(msg))
	if err != nil {
		return message.Message{}, ErrOpen
	}

	out := msg.Clone()
	out.Content = plain
	if len(plain) == 0 {
		out.Content = nil
	}
	delete(out.Metadata, MetadataKey)
	if len(out.Metadata) == 0 {
		out.Metadata = nil
	}
	return out, nil
}

func associatedData(msg message.Message) []byte {
	return []byte(msg.ID + "\x00" + msg.FromID)
}
