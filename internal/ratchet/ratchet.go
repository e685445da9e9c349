// Package ratchet implements the pairwise Olm-style cryptographic ratchet
// used for m.olm.v1.curve25519-aes-sha2 payloads: long-term account
// identities, outbound session establishment from a claimed one-time key,
// per-message send-chain advancement, and encrypted-at-rest pickling of
// account and session state.
//
// Accounts and sessions hold private key material. Both expose Close, which
// zeroizes that material; a closed value returns ErrAccountClosed or
// ErrSessionClosed from every operation that would touch it.
package ratchet

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32

	// Protocol version byte carried at the front of every message body.
	protocolVersion = 0x03

	rootInfo = "OLM_ROOT"
	keysInfo = "OLM_KEYS"
)

var (
	// ErrSessionClosed is returned when a session is used after Close.
	ErrSessionClosed = errors.New("ratchet: session is closed")

	// ErrAccountClosed is returned when an account is used after Close.
	ErrAccountClosed = errors.New("ratchet: account is closed")
)

// b64 is the encoding used for all public keys, signatures, session ids and
// message bodies on the wire.
var b64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// generateCurve25519 produces a clamped scalar and its public point.
func generateCurve25519() (priv, pub [keySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("ratchet: generate key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("ratchet: derive public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// dh computes the shared secret between a private scalar and a public point.
func dh(priv, pub [keySize]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: diffie-hellman: %w", err)
	}
	return out, nil
}

// kdfRoot derives the initial root and send-chain keys from the triple-DH
// shared secret.
func kdfRoot(secret []byte) (root, chain []byte) {
	r := hkdf.New(sha256.New, secret, nil, []byte(rootInfo))
	root = make([]byte, keySize)
	chain = make([]byte, keySize)
	io.ReadFull(r, root)
	io.ReadFull(r, chain)
	return root, chain
}

// advanceChain derives the next message key and replaces the chain key in
// place. Message key and chain key use distinct HMAC inputs so neither can be
// computed from the other.
func advanceChain(chain []byte) (messageKey []byte) {
	messageKey = hmacSHA256(chain, []byte{0x01})
	next := hmacSHA256(chain, []byte{0x02})
	copy(chain, next)
	zero(next)
	return messageKey
}

// messageCipherKey expands a message key into the AEAD key for one message.
func messageCipherKey(messageKey []byte) []byte {
	r := hkdf.New(sha256.New, messageKey, nil, []byte(keysInfo))
	out := make([]byte, keySize)
	io.ReadFull(r, out)
	return out
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// zero wipes b. Uses a constant-time copy so the write is not elided.
func zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// decodeKey parses an unpadded base64 curve25519 public key.
func decodeKey(s string) ([keySize]byte, error) {
	var out [keySize]byte
	raw, err := b64.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ratchet: decode key: %w", err)
	}
	if len(raw) != keySize {
		return out, fmt.Errorf("ratchet: decode key: got %d bytes, want %d", len(raw), keySize)
	}
	copy(out[:], raw)
	return out, nil
}
