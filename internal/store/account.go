package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Account holds the local device's identity as persisted at rest: protocol
// ids in the clear, cryptographic identity as a sealed pickle together with
// the salt its pickle key was derived from.
type Account struct {
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	PickleSalt    []byte `json:"pickle_salt"`
	AccountPickle []byte `json:"account_pickle"`
}

const accountKey = "account"

// SaveAccount persists the account to the database.
func (s *Store) SaveAccount(ctx context.Context, acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.getTx(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount loads the account from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount(ctx context.Context) (*Account, error) {
	var data []byte
	err := s.getTx(ctx).QueryRowContext(ctx,
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load account: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}
