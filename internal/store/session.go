package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRecord is one persisted olm session, keyed by the peer device's
// curve25519 identity key and the session id. A device may accumulate
// several historical sessions.
type SessionRecord struct {
	IdentityKey string
	SessionID   string
	Pickle      []byte
	UpdatedAt   time.Time
}

// GetSessionIDs returns the ids of all stored sessions for the given device
// identity key, sorted ascending. An unknown key yields an empty slice.
func (s *Store) GetSessionIDs(ctx context.Context, identityKey string) ([]string, error) {
	rows, err := s.getTx(ctx).QueryContext(ctx,
		"SELECT session_id FROM olm_session WHERE identity_key = ? ORDER BY session_id",
		identityKey,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate session ids: %w", err)
	}
	return ids, nil
}

// GetSession returns the pickled bytes of one session.
// Returns ErrSessionNotFound if the row does not exist.
func (s *Store) GetSession(ctx context.Context, identityKey, sessionID string) ([]byte, error) {
	var pickle []byte
	err := s.getTx(ctx).QueryRowContext(ctx,
		"SELECT pickle FROM olm_session WHERE identity_key = ? AND session_id = ?",
		identityKey, sessionID,
	).Scan(&pickle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	return pickle, nil
}

// SetSession upserts a session record.
func (s *Store) SetSession(ctx context.Context, identityKey, sessionID string, pickle []byte, updatedAt time.Time) error {
	_, err := s.getTx(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO olm_session (identity_key, session_id, pickle, updated_at) VALUES (?, ?, ?, ?)",
		identityKey, sessionID, pickle, updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// ListSessions returns every stored session record, most recently updated
// first. Pickles are included so callers can migrate or inspect them.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.getTx(ctx).QueryContext(ctx,
		"SELECT identity_key, session_id, pickle, updated_at FROM olm_session ORDER BY updated_at DESC, identity_key, session_id",
	)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var updatedAt int64
		if err := rows.Scan(&rec.IdentityKey, &rec.SessionID, &rec.Pickle, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sessions: %w", err)
	}
	return recs, nil
}

// DeleteSession removes one session record. The next encrypt call to that
// device will establish a fresh session via a one-time-key claim.
func (s *Store) DeleteSession(ctx context.Context, identityKey, sessionID string) error {
	_, err := s.getTx(ctx).ExecContext(ctx,
		"DELETE FROM olm_session WHERE identity_key = ? AND session_id = ?",
		identityKey, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}
