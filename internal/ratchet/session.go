package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Message types as they appear in the wire envelope's ciphertext object.
const (
	// MessageTypePreKey marks a message carrying the session-establishment
	// public keys. A session emits these until the peer has replied.
	MessageTypePreKey = 0

	// MessageTypeNormal marks a message on a confirmed session.
	MessageTypeNormal = 1
)

// Session is a live outbound ratchet session with one peer device. It is a
// stateful resource: every Encrypt advances the send chain, and the caller
// must Close the session when done to wipe its key material.
//
// A Session is not safe for concurrent use.
type Session struct {
	id string

	// Establishment public keys, replayed in every pre-key message so the
	// peer can derive the same shared secret.
	identityPub [keySize]byte // own curve25519 identity
	baseKeyPub  [keySize]byte // ephemeral generated at creation
	oneTimePub  [keySize]byte // peer one-time key consumed at creation

	rootKey     []byte
	ratchetPriv [keySize]byte
	ratchetPub  [keySize]byte
	chainKey    []byte
	counter     uint32

	// confirmed flips when the peer demonstrates it holds the session, at
	// which point messages switch from pre-key to normal framing. An
	// outbound-only session never flips it.
	confirmed bool
	closed    bool
}

// NewOutboundSession establishes a fresh session with a peer device from its
// public identity key and a claimed one-time key (both unpadded base64).
//
// The shared secret is the Olm triple Diffie-Hellman
//
//	DH(idA, otkB) || DH(ekA, idB) || DH(ekA, otkB)
//
// expanded with HKDF-SHA256 into the initial root and send-chain keys. The
// ephemeral private key is wiped before returning; only its public half is
// kept for pre-key framing.
func (a *Account) NewOutboundSession(peerIdentityKey, peerOneTimeKey string) (*Session, error) {
	if a.closed {
		return nil, ErrAccountClosed
	}

	idB, err := decodeKey(peerIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: peer identity key: %w", err)
	}
	otkB, err := decodeKey(peerOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: peer one-time key: %w", err)
	}

	ekPriv, ekPub, err := generateCurve25519()
	if err != nil {
		return nil, err
	}
	defer zero(ekPriv[:])

	s1, err := dh(a.idPriv, otkB)
	if err != nil {
		return nil, err
	}
	s2, err := dh(ekPriv, idB)
	if err != nil {
		return nil, err
	}
	s3, err := dh(ekPriv, otkB)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, 0, 3*keySize)
	secret = append(secret, s1...)
	secret = append(secret, s2...)
	secret = append(secret, s3...)
	zero(s1)
	zero(s2)
	zero(s3)

	rootKey, chainKey := kdfRoot(secret)
	zero(secret)

	ratchetPriv, ratchetPub, err := generateCurve25519()
	if err != nil {
		zero(rootKey)
		zero(chainKey)
		return nil, err
	}

	s := &Session{
		id:          sessionID(a.idPub, ekPub, otkB),
		identityPub: a.idPub,
		baseKeyPub:  ekPub,
		oneTimePub:  otkB,
		rootKey:     rootKey,
		ratchetPriv: ratchetPriv,
		ratchetPub:  ratchetPub,
		chainKey:    chainKey,
	}
	return s, nil
}

// sessionID derives the deterministic session id from the establishment key
// material, so both ends compute the same id independently.
func sessionID(identityPub, basePub, oneTimePub [keySize]byte) string {
	h := sha256.New()
	h.Write(identityPub[:])
	h.Write(basePub[:])
	h.Write(oneTimePub[:])
	return b64.EncodeToString(h.Sum(nil))
}

// ID returns the session's deterministic identifier.
func (s *Session) ID() string {
	return s.id
}

// Encrypt advances the send chain by one message and returns the message
// type and the unpadded-base64 message body.
func (s *Session) Encrypt(plaintext []byte) (msgType int, body string, err error) {
	if s.closed {
		return 0, "", ErrSessionClosed
	}

	messageKey := advanceChain(s.chainKey)
	cipherKey := messageCipherKey(messageKey)
	zero(messageKey)

	aead, err := chacha20poly1305.New(cipherKey)
	zero(cipherKey)
	if err != nil {
		return 0, "", fmt.Errorf("ratchet: message cipher: %w", err)
	}

	// Inner framing: version, ratchet public key, counter, AEAD ciphertext.
	// The pre-ciphertext prefix doubles as associated data.
	header := make([]byte, 0, 1+keySize+4)
	header = append(header, protocolVersion)
	header = append(header, s.ratchetPub[:]...)
	header = binary.BigEndian.AppendUint32(header, s.counter)

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], s.counter)

	inner := aead.Seal(header, nonce, plaintext, header)
	s.counter++

	if s.confirmed {
		return MessageTypeNormal, b64.EncodeToString(inner), nil
	}

	// Pre-key framing wraps the inner message with the establishment keys.
	out := make([]byte, 0, 1+3*keySize+len(inner))
	out = append(out, protocolVersion)
	out = append(out, s.identityPub[:]...)
	out = append(out, s.baseKeyPub[:]...)
	out = append(out, s.oneTimePub[:]...)
	out = append(out, inner...)
	return MessageTypePreKey, b64.EncodeToString(out), nil
}

// Close zeroizes the session's key material. Safe to call multiple times;
// any use after Close returns ErrSessionClosed.
func (s *Session) Close() {
	if s.closed {
		return
	}
	zero(s.rootKey)
	zero(s.chainKey)
	zero(s.ratchetPriv[:])
	s.closed = true
}

// sessionState is the plaintext pickle layout of a session.
type sessionState struct {
	ID          string `json:"session_id"`
	IdentityPub []byte `json:"identity_pub"`
	BaseKeyPub  []byte `json:"base_key_pub"`
	OneTimePub  []byte `json:"one_time_pub"`
	RootKey     []byte `json:"root_key"`
	RatchetPriv []byte `json:"ratchet_priv"`
	RatchetPub  []byte `json:"ratchet_pub"`
	ChainKey    []byte `json:"chain_key"`
	Counter     uint32 `json:"counter"`
	Confirmed   bool   `json:"confirmed"`
}

// Pickle serializes the session and seals it under the given pickle key.
func (s *Session) Pickle(key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	state := sessionState{
		ID:          s.id,
		IdentityPub: s.identityPub[:],
		BaseKeyPub:  s.baseKeyPub[:],
		OneTimePub:  s.oneTimePub[:],
		RootKey:     s.rootKey,
		RatchetPriv: s.ratchetPriv[:],
		RatchetPub:  s.ratchetPub[:],
		ChainKey:    s.chainKey,
		Counter:     s.counter,
		Confirmed:   s.confirmed,
	}
	plain, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("ratchet: marshal session: %w", err)
	}
	defer zero(plain)
	return sealPickle(key, plain)
}

// UnpickleSession restores a live session from a pickle produced by Pickle.
func UnpickleSession(data, key []byte) (*Session, error) {
	plain, err := openPickle(key, data)
	if err != nil {
		return nil, err
	}
	defer zero(plain)

	var state sessionState
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, fmt.Errorf("ratchet: unmarshal session: %w", err)
	}
	if state.ID == "" ||
		len(state.IdentityPub) != keySize || len(state.BaseKeyPub) != keySize ||
		len(state.OneTimePub) != keySize || len(state.RatchetPriv) != keySize ||
		len(state.RatchetPub) != keySize ||
		len(state.RootKey) != keySize || len(state.ChainKey) != keySize {
		return nil, fmt.Errorf("ratchet: unpickle session: malformed state")
	}

	s := &Session{
		id:        state.ID,
		rootKey:   append([]byte(nil), state.RootKey...),
		chainKey:  append([]byte(nil), state.ChainKey...),
		counter:   state.Counter,
		confirmed: state.Confirmed,
	}
	copy(s.identityPub[:], state.IdentityPub)
	copy(s.baseKeyPub[:], state.BaseKeyPub)
	copy(s.oneTimePub[:], state.OneTimePub)
	copy(s.ratchetPriv[:], state.RatchetPriv)
	copy(s.ratchetPub[:], state.RatchetPub)
	return s, nil
}
