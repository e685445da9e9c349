package e2ee

import (
	"context"
	"time"
)

// SessionStore is the persistence surface the encryptor needs. Methods
// called with a context produced by TxManager.WithTx must operate inside
// that transaction.
type SessionStore interface {
	// GetSessionIDs returns the ids of all stored sessions for a device
	// identity key. An unknown key yields an empty slice, not an error.
	GetSessionIDs(ctx context.Context, identityKey string) ([]string, error)

	// GetSession returns the pickled bytes of one session. A missing row is
	// an error: ids handed out by GetSessionIDs are expected to resolve.
	GetSession(ctx context.Context, identityKey, sessionID string) ([]byte, error)

	// SetSession upserts one session record.
	SetSession(ctx context.Context, identityKey, sessionID string, pickle []byte, updatedAt time.Time) error
}

// TxManager runs a function inside a single read-write transaction: all
// writes commit together or not at all.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Session is a live ratchet session. It owns key material: the holder must
// call Close exactly once when done with it, after which the session must
// not be used.
type Session interface {
	ID() string
	Encrypt(plaintext []byte) (msgType int, body string, err error)
	Pickle(key []byte) ([]byte, error)
	Close()
}

// SessionBuilder creates live sessions, either fresh from a claimed
// one-time key or restored from pickled bytes.
type SessionBuilder interface {
	OutboundSession(peerIdentityKey, peerOneTimeKey string) (Session, error)
	UnpickleSession(pickle, key []byte) (Session, error)
}

// ClaimClient claims one-time keys from the key directory. Implementations
// must honor ctx cancellation.
type ClaimClient interface {
	ClaimKeys(ctx context.Context, req *ClaimRequest) (*ClaimResponse, error)
}
