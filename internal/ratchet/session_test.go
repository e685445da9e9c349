package ratchet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func newTestSession(t *testing.T) (*Account, *Session) {
	t.Helper()
	a, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	t.Cleanup(a.Close)

	s, err := a.NewOutboundSession(testPeerKey(t), testPeerKey(t))
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	t.Cleanup(s.Close)
	return a, s
}

func TestNewOutboundSessionID(t *testing.T) {
	_, s := newTestSession(t)
	if s.ID() == "" {
		t.Fatal("session id is empty")
	}
	if _, err := b64.DecodeString(s.ID()); err != nil {
		t.Errorf("session id is not valid base64: %v", err)
	}

	_, s2 := newTestSession(t)
	if s2.ID() == s.ID() {
		t.Error("two independently created sessions share an id")
	}
}

func TestNewOutboundSessionBadKeys(t *testing.T) {
	a, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	defer a.Close()

	if _, err := a.NewOutboundSession("not base64!!", testPeerKey(t)); err == nil {
		t.Error("invalid identity key accepted")
	}
	if _, err := a.NewOutboundSession(testPeerKey(t), b64.EncodeToString([]byte("short"))); err == nil {
		t.Error("short one-time key accepted")
	}
}

func TestSessionEncryptFraming(t *testing.T) {
	a, s := newTestSession(t)

	msgType, body, err := s.Encrypt([]byte("first"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if msgType != MessageTypePreKey {
		t.Errorf("message type: got %d, want %d", msgType, MessageTypePreKey)
	}

	raw, err := b64.DecodeString(body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if raw[0] != protocolVersion {
		t.Errorf("version byte: got %#x, want %#x", raw[0], protocolVersion)
	}

	// Pre-key framing starts with our identity key so the peer can run the
	// same key agreement.
	idPub, _ := b64.DecodeString(a.Curve25519Key())
	if !bytes.Equal(raw[1:1+keySize], idPub) {
		t.Error("pre-key message does not carry the sender identity key")
	}

	// The inner message follows the three establishment keys.
	inner := raw[1+3*keySize:]
	if inner[0] != protocolVersion {
		t.Errorf("inner version byte: got %#x, want %#x", inner[0], protocolVersion)
	}
	counter := binary.BigEndian.Uint32(inner[1+keySize : 1+keySize+4])
	if counter != 0 {
		t.Errorf("first message counter: got %d, want 0", counter)
	}

	// Second message advances the counter.
	_, body2, err := s.Encrypt([]byte("second"))
	if err != nil {
		t.Fatalf("Encrypt second: %v", err)
	}
	raw2, _ := b64.DecodeString(body2)
	inner2 := raw2[1+3*keySize:]
	counter2 := binary.BigEndian.Uint32(inner2[1+keySize : 1+keySize+4])
	if counter2 != 1 {
		t.Errorf("second message counter: got %d, want 1", counter2)
	}
	if body == body2 {
		t.Error("successive messages produced identical bodies")
	}
}

func TestSessionPickleContinuity(t *testing.T) {
	_, s := newTestSession(t)
	key := []byte("pickle key")

	if _, _, err := s.Encrypt([]byte("advance once")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pickled, err := s.Pickle(key)
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := UnpickleSession(pickled, key)
	if err != nil {
		t.Fatalf("UnpickleSession: %v", err)
	}
	defer restored.Close()

	if restored.ID() != s.ID() {
		t.Errorf("session id changed across pickle: got %s, want %s", restored.ID(), s.ID())
	}

	// Original and restored hold identical ratchet state, so the next
	// message from each must be byte-identical.
	_, wantBody, err := s.Encrypt([]byte("next"))
	if err != nil {
		t.Fatalf("Encrypt original: %v", err)
	}
	gotType, gotBody, err := restored.Encrypt([]byte("next"))
	if err != nil {
		t.Fatalf("Encrypt restored: %v", err)
	}
	if gotBody != wantBody {
		t.Error("restored session diverged from original after one pickle roundtrip")
	}
	if gotType != MessageTypePreKey {
		t.Errorf("restored message type: got %d, want %d", gotType, MessageTypePreKey)
	}
}

func TestUnpickleSessionWrongKey(t *testing.T) {
	_, s := newTestSession(t)
	pickled, err := s.Pickle([]byte("right key"))
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	if _, err := UnpickleSession(pickled, []byte("wrong key")); !errors.Is(err, ErrWrongPickleKey) {
		t.Errorf("UnpickleSession with wrong key: got %v, want ErrWrongPickleKey", err)
	}
}

func TestUnpickleSessionTruncated(t *testing.T) {
	_, s := newTestSession(t)
	pickled, err := s.Pickle([]byte("key"))
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	if _, err := UnpickleSession(pickled[:len(pickled)/2], []byte("key")); err == nil {
		t.Error("truncated pickle accepted")
	}
}

func TestSessionClosed(t *testing.T) {
	_, s := newTestSession(t)
	s.Close()
	s.Close() // second close is a no-op

	if _, _, err := s.Encrypt([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Encrypt after close: got %v, want ErrSessionClosed", err)
	}
	if _, err := s.Pickle([]byte("key")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Pickle after close: got %v, want ErrSessionClosed", err)
	}
}
