package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenClose(t *testing.T) {
	s := tempStore(t)
	if s.db == nil {
		t.Fatal("db should not be nil")
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		t.Fatal("directory should have been created")
	}
}

func TestAccountSaveLoad(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	// Loading with no account returns nil.
	acct, err := s.LoadAccount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if acct != nil {
		t.Fatal("expected nil account")
	}

	want := &Account{
		UserID:        "@alice:example.org",
		DeviceID:      "DEVICEID",
		PickleSalt:    []byte("salt-salt-salt!!"),
		AccountPickle: []byte(`{"v":1,"nonce":"...","cipher":"..."}`),
	}
	if err := s.SaveAccount(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadAccount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != want.UserID {
		t.Errorf("user id: got %q, want %q", got.UserID, want.UserID)
	}
	if got.DeviceID != want.DeviceID {
		t.Errorf("device id: got %q, want %q", got.DeviceID, want.DeviceID)
	}
	if !bytes.Equal(got.PickleSalt, want.PickleSalt) {
		t.Errorf("pickle salt: got %q, want %q", got.PickleSalt, want.PickleSalt)
	}
	if !bytes.Equal(got.AccountPickle, want.AccountPickle) {
		t.Errorf("account pickle: got %q, want %q", got.AccountPickle, want.AccountPickle)
	}

	// Overwrite.
	want.DeviceID = "OTHERDEVICE"
	if err := s.SaveAccount(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadAccount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != "OTHERDEVICE" {
		t.Errorf("device id after overwrite: got %q", got.DeviceID)
	}
}

func TestSessionRoundtrip(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	now := time.Now()

	const identityKey = "peer-curve25519-key"

	// Unknown device has no ids.
	ids, err := s.GetSessionIDs(ctx, identityKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no session ids, got %v", ids)
	}

	// Missing session is a sentinel error.
	if _, err := s.GetSession(ctx, identityKey, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetSession missing: got %v, want ErrSessionNotFound", err)
	}

	// Insert out of order; ids come back sorted.
	if err := s.SetSession(ctx, identityKey, "s3", []byte("pickle-s3"), now); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession(ctx, identityKey, "s1", []byte("pickle-s1"), now); err != nil {
		t.Fatal(err)
	}

	ids, err = s.GetSessionIDs(ctx, identityKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "s1" || ids[1] != "s3" {
		t.Fatalf("session ids: got %v, want [s1 s3]", ids)
	}

	pickle, err := s.GetSession(ctx, identityKey, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if string(pickle) != "pickle-s1" {
		t.Errorf("pickle: got %q, want %q", pickle, "pickle-s1")
	}

	// Upsert replaces the pickle.
	if err := s.SetSession(ctx, identityKey, "s1", []byte("pickle-s1-v2"), now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	pickle, err = s.GetSession(ctx, identityKey, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if string(pickle) != "pickle-s1-v2" {
		t.Errorf("pickle after upsert: got %q", pickle)
	}

	// Other devices are not affected.
	ids, err = s.GetSessionIDs(ctx, "other-key")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no ids for other key, got %v", ids)
	}
}

func TestListSessions(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	base := time.Now()

	if err := s.SetSession(ctx, "key-a", "s1", []byte("p1"), base); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession(ctx, "key-b", "s2", []byte("p2"), base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("session count: got %d, want 2", len(recs))
	}
	// Most recently updated first.
	if recs[0].IdentityKey != "key-b" {
		t.Errorf("first record: got %s, want key-b", recs[0].IdentityKey)
	}
	if recs[0].UpdatedAt.UnixMilli() != base.Add(time.Minute).UnixMilli() {
		t.Errorf("updated at: got %v, want %v", recs[0].UpdatedAt, base.Add(time.Minute))
	}
}

func TestDeleteSession(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if err := s.SetSession(ctx, "key", "s1", []byte("p"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession(ctx, "key", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "key", "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("after delete: got %v, want ErrSessionNotFound", err)
	}

	// Deleting a non-existent session is not an error.
	if err := s.DeleteSession(ctx, "key", "s1"); err != nil {
		t.Fatal(err)
	}
}

func TestOneTimeKeys(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	base := time.Now()

	keys := []OneTimeKeyRecord{
		{KeyID: "id-1", PublicKey: "pub-1", PrivateKey: []byte("priv-1"), CreatedAt: base},
		{KeyID: "id-2", PublicKey: "pub-2", PrivateKey: []byte("priv-2"), CreatedAt: base.Add(time.Second)},
	}
	if err := s.AddOneTimeKeys(ctx, keys); err != nil {
		t.Fatal(err)
	}

	unpublished, err := s.UnpublishedOneTimeKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unpublished) != 2 {
		t.Fatalf("unpublished count: got %d, want 2", len(unpublished))
	}
	// Oldest first.
	if unpublished[0].KeyID != "id-1" {
		t.Errorf("first unpublished: got %s, want id-1", unpublished[0].KeyID)
	}
	if !bytes.Equal(unpublished[0].PrivateKey, []byte("priv-1")) {
		t.Errorf("private key: got %q", unpublished[0].PrivateKey)
	}

	if err := s.MarkOneTimeKeysPublished(ctx, []string{"id-1"}); err != nil {
		t.Fatal(err)
	}
	unpublished, err = s.UnpublishedOneTimeKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unpublished) != 1 || unpublished[0].KeyID != "id-2" {
		t.Fatalf("after publish: got %v, want only id-2", unpublished)
	}

	// Key ids are unique.
	if err := s.AddOneTimeKeys(ctx, keys[:1]); err == nil {
		t.Error("duplicate key id accepted")
	}
}

func TestWithTxCommit(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.SetSession(ctx, "key", "s1", []byte("p1"), time.Now()); err != nil {
			return err
		}
		// Writes are visible inside the same transaction.
		pickle, err := s.GetSession(ctx, "key", "s1")
		if err != nil {
			return err
		}
		if string(pickle) != "p1" {
			t.Errorf("inside tx: got %q, want p1", pickle)
		}
		return s.SetSession(ctx, "key", "s2", []byte("p2"), time.Now())
	})
	if err != nil {
		t.Fatal(err)
	}

	ids, err := s.GetSessionIDs(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("after commit: got %v, want 2 ids", ids)
	}
}

func TestWithTxRollback(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.SetSession(ctx, "key", "s1", []byte("p1"), time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx: got %v, want boom", err)
	}

	// Nothing from the aborted transaction is visible.
	ids, err := s.GetSessionIDs(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("after rollback: got %v, want no ids", ids)
	}
}
