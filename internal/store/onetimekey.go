package store

import (
	"context"
	"fmt"
	"time"
)

// OneTimeKeyRecord is one locally generated one-time key. The private half
// stays here until the key is consumed by an inbound session; the public
// half is published to the key directory.
type OneTimeKeyRecord struct {
	KeyID      string
	PublicKey  string
	PrivateKey []byte
	Published  bool
	CreatedAt  time.Time
}

// AddOneTimeKeys stores freshly generated one-time keys as unpublished.
func (s *Store) AddOneTimeKeys(ctx context.Context, keys []OneTimeKeyRecord) error {
	q := s.getTx(ctx)
	for _, k := range keys {
		_, err := q.ExecContext(ctx,
			"INSERT INTO one_time_key (key_id, public_key, private_key, published, created_at) VALUES (?, ?, ?, 0, ?)",
			k.KeyID, k.PublicKey, k.PrivateKey, k.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("store: add one-time key %s: %w", k.KeyID, err)
		}
	}
	return nil
}

// UnpublishedOneTimeKeys returns the keys not yet uploaded to the key
// directory, oldest first.
func (s *Store) UnpublishedOneTimeKeys(ctx context.Context) ([]OneTimeKeyRecord, error) {
	rows, err := s.getTx(ctx).QueryContext(ctx,
		"SELECT key_id, public_key, private_key, created_at FROM one_time_key WHERE published = 0 ORDER BY created_at, key_id",
	)
	if err != nil {
		return nil, fmt.Errorf("store: query one-time keys: %w", err)
	}
	defer rows.Close()

	var keys []OneTimeKeyRecord
	for rows.Next() {
		var k OneTimeKeyRecord
		var createdAt int64
		if err := rows.Scan(&k.KeyID, &k.PublicKey, &k.PrivateKey, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan one-time key: %w", err)
		}
		k.CreatedAt = time.UnixMilli(createdAt)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate one-time keys: %w", err)
	}
	return keys, nil
}

// MarkOneTimeKeysPublished flags the given keys as uploaded.
func (s *Store) MarkOneTimeKeysPublished(ctx context.Context, keyIDs []string) error {
	q := s.getTx(ctx)
	for _, id := range keyIDs {
		if _, err := q.ExecContext(ctx,
			"UPDATE one_time_key SET published = 1 WHERE key_id = ?", id,
		); err != nil {
			return fmt.Errorf("store: mark one-time key %s published: %w", id, err)
		}
	}
	return nil
}
