package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// Account is a device's long-term cryptographic identity: a curve25519
// keypair used for session establishment and an ed25519 keypair used for
// signing published key material.
type Account struct {
	idPriv [keySize]byte
	idPub  [keySize]byte
	edPriv ed25519.PrivateKey
	edPub  ed25519.PublicKey
	closed bool
}

// NewAccount generates a fresh account identity.
func NewAccount() (*Account, error) {
	idPriv, idPub, err := generateCurve25519()
	if err != nil {
		return nil, err
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generate signing key: %w", err)
	}
	return &Account{idPriv: idPriv, idPub: idPub, edPriv: edPriv, edPub: edPub}, nil
}

// Curve25519Key returns the account's public encryption identity key.
func (a *Account) Curve25519Key() string {
	return b64.EncodeToString(a.idPub[:])
}

// Ed25519Key returns the account's public signing identity key.
func (a *Account) Ed25519Key() string {
	return b64.EncodeToString(a.edPub)
}

// Sign signs message with the account's ed25519 key and returns the
// signature in unpadded base64.
func (a *Account) Sign(message []byte) (string, error) {
	if a.closed {
		return "", ErrAccountClosed
	}
	return b64.EncodeToString(ed25519.Sign(a.edPriv, message)), nil
}

// Close zeroizes the account's private key material. Safe to call multiple
// times.
func (a *Account) Close() {
	if a.closed {
		return
	}
	zero(a.idPriv[:])
	zero(a.edPriv)
	a.closed = true
}

// accountState is the plaintext pickle layout of an account.
type accountState struct {
	IdentityPriv []byte `json:"curve25519_private"`
	IdentityPub  []byte `json:"curve25519_public"`
	SigningPriv  []byte `json:"ed25519_private"`
	SigningPub   []byte `json:"ed25519_public"`
}

// Pickle serializes the account and seals it under the given pickle key.
func (a *Account) Pickle(key []byte) ([]byte, error) {
	if a.closed {
		return nil, ErrAccountClosed
	}
	state := accountState{
		IdentityPriv: a.idPriv[:],
		IdentityPub:  a.idPub[:],
		SigningPriv:  a.edPriv,
		SigningPub:   a.edPub,
	}
	plain, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("ratchet: marshal account: %w", err)
	}
	defer zero(plain)
	return sealPickle(key, plain)
}

// UnpickleAccount restores an account from a pickle produced by Pickle.
func UnpickleAccount(data, key []byte) (*Account, error) {
	plain, err := openPickle(key, data)
	if err != nil {
		return nil, err
	}
	defer zero(plain)

	var state accountState
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, fmt.Errorf("ratchet: unmarshal account: %w", err)
	}
	if len(state.IdentityPriv) != keySize || len(state.IdentityPub) != keySize ||
		len(state.SigningPriv) != ed25519.PrivateKeySize || len(state.SigningPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ratchet: unpickle account: malformed key material")
	}

	a := &Account{
		edPriv: ed25519.PrivateKey(append([]byte(nil), state.SigningPriv...)),
		edPub:  ed25519.PublicKey(append([]byte(nil), state.SigningPub...)),
	}
	copy(a.idPriv[:], state.IdentityPriv)
	copy(a.idPub[:], state.IdentityPub)
	return a, nil
}

// OneTimeKey is a single-use curve25519 keypair. The public half is published
// to the key directory; the private half is retained so the key can be
// consumed when a peer establishes an inbound session with it.
type OneTimeKey struct {
	Public  string
	Private []byte
}

// GenerateOneTimeKeys produces n fresh one-time keys.
func GenerateOneTimeKeys(n int) ([]OneTimeKey, error) {
	keys := make([]OneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := generateCurve25519()
		if err != nil {
			return nil, err
		}
		keys = append(keys, OneTimeKey{
			Public:  b64.EncodeToString(pub[:]),
			Private: append([]byte(nil), priv[:]...),
		})
		zero(priv[:])
	}
	return keys, nil
}
