// Package olm provides a high-level client for olm end-to-end encryption:
// a local device identity, one-time key publication, and outbound
// encryption to batches of recipient devices with persistent sessions.
package olm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sandrev/olm-go/internal/e2ee"
	"github.com/sandrev/olm-go/internal/ratchet"
	"github.com/sandrev/olm-go/internal/store"
)

// Device identifies a recipient device and its public keys.
type Device = e2ee.Device

// EncryptedMessage is one encrypted payload with the device it is for.
type EncryptedMessage = e2ee.EncryptedMessage

// EncryptedContent is the wire envelope of an encrypted message.
type EncryptedContent = e2ee.EncryptedContent

// OlmMessage is one ciphertext entry of the wire envelope.
type OlmMessage = e2ee.OlmMessage

// SessionInfo describes one stored session.
type SessionInfo = store.SessionRecord

// Algorithm identifies olm-encrypted payloads on the wire.
const Algorithm = e2ee.Algorithm

// ErrWrongPickleKey is returned by Load when the configured pickle key or
// passphrase does not match the stored account.
var ErrWrongPickleKey = ratchet.ErrWrongPickleKey

var (
	_ e2ee.SessionStore   = (*store.Store)(nil)
	_ e2ee.TxManager      = (*store.Store)(nil)
	_ e2ee.Session        = (*ratchet.Session)(nil)
	_ e2ee.SessionBuilder = sessionBuilder{}
	_ e2ee.ClaimClient    = (*e2ee.KeyDirectoryClient)(nil)
)

// Client is the main entry point. Create one with New, then call Init to
// create a fresh account or Load to open an existing one.
type Client struct {
	dbPath       string
	serverURL    string
	token        string
	pickleKey    []byte
	passphrase   string
	claimTimeout time.Duration
	httpClient   *http.Client
	logger       *log.Logger

	store     *store.Store
	account   *ratchet.Account
	own       Device
	directory *e2ee.KeyDirectoryClient
	encryptor *e2ee.Encryptor
}

// Option configures a Client.
type Option func(*Client)

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/olm-go/olm.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithServerURL sets the key directory base URL. Without it the client can
// only encrypt to devices it already has sessions with.
func WithServerURL(url string) Option {
	return func(c *Client) { c.serverURL = url }
}

// WithToken sets the bearer token sent to the key directory.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPickleKey sets the 32-byte key sealing account and session state at
// rest. Mutually exclusive with WithPicklePassphrase; the raw key wins.
func WithPickleKey(key []byte) Option {
	return func(c *Client) { c.pickleKey = key }
}

// WithPicklePassphrase derives the pickle key from a passphrase. The salt
// is created on Init and stored with the account.
func WithPicklePassphrase(passphrase string) Option {
	return func(c *Client) { c.passphrase = passphrase }
}

// WithClaimTimeout bounds one-time key claim requests.
func WithClaimTimeout(d time.Duration) Option {
	return func(c *Client) { c.claimTimeout = d }
}

// WithHTTPClient overrides the HTTP client used for key directory requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a new client. No files are touched until Init or Load.
func New(opts ...Option) *Client {
	c := &Client{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Init creates a fresh account for userID/deviceID and persists it. It
// fails if the database already holds an account.
func (c *Client) Init(ctx context.Context, userID, deviceID string) error {
	if err := c.openStore(); err != nil {
		return err
	}

	existing, err := c.store.LoadAccount(ctx)
	if err != nil {
		return fmt.Errorf("olm: load account: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("olm: account %s/%s already exists in %s", existing.UserID, existing.DeviceID, c.dbPath)
	}

	key, salt, err := c.pickleKeyForInit()
	if err != nil {
		return err
	}

	account, err := ratchet.NewAccount()
	if err != nil {
		return fmt.Errorf("olm: create account: %w", err)
	}

	own := Device{
		UserID:        userID,
		DeviceID:      deviceID,
		Curve25519Key: account.Curve25519Key(),
		Ed25519Key:    account.Ed25519Key(),
	}
	if err := own.Validate(); err != nil {
		account.Close()
		return fmt.Errorf("olm: %w", err)
	}

	pickle, err := account.Pickle(key)
	if err != nil {
		account.Close()
		return fmt.Errorf("olm: pickle account: %w", err)
	}
	err = c.store.SaveAccount(ctx, &store.Account{
		UserID:        userID,
		DeviceID:      deviceID,
		PickleSalt:    salt,
		AccountPickle: pickle,
	})
	if err != nil {
		account.Close()
		return fmt.Errorf("olm: save account: %w", err)
	}

	c.account = account
	logf(c.logger, "created account %s/%s identity=%s", userID, deviceID, own.Curve25519Key)
	return c.finishLoad(own, key)
}

// Load opens an existing account from the database.
func (c *Client) Load(ctx context.Context) error {
	if err := c.openStore(); err != nil {
		return err
	}

	acct, err := c.store.LoadAccount(ctx)
	if err != nil {
		return fmt.Errorf("olm: load account: %w", err)
	}
	if acct == nil {
		return fmt.Errorf("olm: no account found in %s (call Init first)", c.dbPath)
	}

	key, err := c.pickleKeyForLoad(acct.PickleSalt)
	if err != nil {
		return err
	}
	account, err := ratchet.UnpickleAccount(acct.AccountPickle, key)
	if err != nil {
		return fmt.Errorf("olm: unpickle account: %w", err)
	}
	c.account = account

	own := Device{
		UserID:        acct.UserID,
		DeviceID:      acct.DeviceID,
		Curve25519Key: account.Curve25519Key(),
		Ed25519Key:    account.Ed25519Key(),
	}
	logf(c.logger, "loaded account %s/%s identity=%s", own.UserID, own.DeviceID, own.Curve25519Key)
	return c.finishLoad(own, key)
}

// finishLoad wires the encryptor and key directory client once the account
// is live.
func (c *Client) finishLoad(own Device, pickleKey []byte) error {
	c.own = own
	if c.serverURL != "" {
		c.directory = e2ee.NewKeyDirectoryClient(c.serverURL, c.token, c.httpClient, c.logger)
	}

	enc, err := e2ee.NewEncryptor(e2ee.EncryptorConfig{
		Own:          own,
		Sessions:     c.store,
		Tx:           c.store,
		Builder:      sessionBuilder{account: c.account},
		PickleKey:    pickleKey,
		Logger:       c.logger,
		ClaimTimeout: c.claimTimeout,
	})
	if err != nil {
		return fmt.Errorf("olm: %w", err)
	}
	c.encryptor = enc
	return nil
}

// Close releases the account's key material and closes the database.
// Safe to call more than once.
func (c *Client) Close() error {
	if c.account != nil {
		c.account.Close()
		c.account = nil
	}
	c.encryptor = nil
	if c.store != nil {
		err := c.store.Close()
		c.store = nil
		return err
	}
	return nil
}

// Identity returns the local device with its public keys.
func (c *Client) Identity() (Device, error) {
	if c.account == nil {
		return Device{}, errNotLoaded()
	}
	return c.own, nil
}

// GenerateOneTimeKeys creates n one-time keys and stores them as
// unpublished. It returns the new key ids.
func (c *Client) GenerateOneTimeKeys(ctx context.Context, n int) ([]string, error) {
	if c.store == nil {
		return nil, errNotLoaded()
	}
	keys, err := ratchet.GenerateOneTimeKeys(n)
	if err != nil {
		return nil, fmt.Errorf("olm: generate one-time keys: %w", err)
	}

	now := time.Now()
	records := make([]store.OneTimeKeyRecord, 0, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := uuid.NewString()
		records = append(records, store.OneTimeKeyRecord{
			KeyID:      id,
			PublicKey:  k.Public,
			PrivateKey: k.Private,
			CreatedAt:  now,
		})
		ids = append(ids, id)
	}

	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		return c.store.AddOneTimeKeys(ctx, records)
	})
	if err != nil {
		return nil, fmt.Errorf("olm: store one-time keys: %w", err)
	}
	logf(c.logger, "generated %d one-time keys", len(ids))
	return ids, nil
}

// PublishOneTimeKeys signs and uploads all unpublished one-time keys to
// the key directory, then marks them published. Returns the number of keys
// uploaded; zero with a nil error means there was nothing to publish.
func (c *Client) PublishOneTimeKeys(ctx context.Context) (int, error) {
	if c.account == nil {
		return 0, errNotLoaded()
	}
	if c.directory == nil {
		return 0, fmt.Errorf("olm: no key directory configured (use WithServerURL)")
	}

	keys, err := c.store.UnpublishedOneTimeKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("olm: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	signed := make(map[string]json.RawMessage, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		obj, err := c.signOneTimeKey(k.PublicKey)
		if err != nil {
			return 0, err
		}
		signed["signed_curve25519:"+k.KeyID] = obj
		ids = append(ids, k.KeyID)
	}

	err = c.directory.UploadKeys(ctx, &e2ee.UploadRequest{
		Device:      c.own,
		OneTimeKeys: signed,
	})
	if err != nil {
		return 0, fmt.Errorf("olm: %w", err)
	}

	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		return c.store.MarkOneTimeKeysPublished(ctx, ids)
	})
	if err != nil {
		return 0, fmt.Errorf("olm: mark keys published: %w", err)
	}
	return len(ids), nil
}

// signOneTimeKey wraps a one-time key public half in the signed key object
// the directory serves to claimants.
func (c *Client) signOneTimeKey(publicKey string) (json.RawMessage, error) {
	payload := map[string]any{"key": publicKey}
	canonical, err := e2ee.CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("olm: %w", err)
	}
	sig, err := c.account.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("olm: sign one-time key: %w", err)
	}
	payload["signatures"] = map[string]any{
		c.own.UserID: map[string]any{
			"ed25519:" + c.own.DeviceID: sig,
		},
	}
	obj, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("olm: marshal signed key: %w", err)
	}
	return obj, nil
}

// EncryptToDevices encrypts content to every device in the batch, reusing
// stored sessions and claiming one-time keys to establish missing ones.
// Devices without a usable key are dropped from the result; see the
// returned messages for who will actually receive the payload.
func (c *Client) EncryptToDevices(ctx context.Context, messageType string, content json.RawMessage, devices []Device) ([]EncryptedMessage, error) {
	if c.encryptor == nil {
		return nil, errNotLoaded()
	}
	var claim e2ee.ClaimClient
	if c.directory != nil {
		claim = c.directory
	}
	return c.encryptor.Encrypt(ctx, messageType, content, devices, claim)
}

// FetchDeviceKeys resolves a device's published identity keys from the key
// directory.
func (c *Client) FetchDeviceKeys(ctx context.Context, userID, deviceID string) (*Device, error) {
	if c.directory == nil {
		return nil, fmt.Errorf("olm: no key directory configured (use WithServerURL)")
	}
	d, err := c.directory.DeviceKeys(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("olm: %w", err)
	}
	return d, nil
}

// Sessions lists all stored sessions, most recently used first.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if c.store == nil {
		return nil, errNotLoaded()
	}
	return c.store.ListSessions(ctx)
}

// DeleteSession removes one stored session. The next encrypt call to that
// device claims a fresh one-time key.
func (c *Client) DeleteSession(ctx context.Context, identityKey, sessionID string) error {
	if c.store == nil {
		return errNotLoaded()
	}
	return c.store.DeleteSession(ctx, identityKey, sessionID)
}

func (c *Client) openStore() error {
	if c.store != nil {
		return nil
	}
	if c.dbPath == "" {
		c.dbPath = filepath.Join(store.DefaultDataDir(), "olm.db")
	}
	s, err := store.Open(c.dbPath)
	if err != nil {
		return fmt.Errorf("olm: open store %s: %w", c.dbPath, err)
	}
	c.store = s
	return nil
}

func (c *Client) pickleKeyForInit() (key, salt []byte, err error) {
	if len(c.pickleKey) > 0 {
		return c.pickleKey, nil, nil
	}
	if c.passphrase != "" {
		salt, err = ratchet.NewPickleSalt()
		if err != nil {
			return nil, nil, fmt.Errorf("olm: %w", err)
		}
		key, err = ratchet.PickleKeyFromPassphrase(c.passphrase, salt)
		if err != nil {
			return nil, nil, fmt.Errorf("olm: %w", err)
		}
		return key, salt, nil
	}
	return nil, nil, fmt.Errorf("olm: a pickle key or passphrase is required")
}

func (c *Client) pickleKeyForLoad(salt []byte) ([]byte, error) {
	if len(c.pickleKey) > 0 {
		return c.pickleKey, nil
	}
	if c.passphrase != "" {
		if len(salt) == 0 {
			return nil, fmt.Errorf("olm: account was created with a raw pickle key, not a passphrase")
		}
		key, err := ratchet.PickleKeyFromPassphrase(c.passphrase, salt)
		if err != nil {
			return nil, fmt.Errorf("olm: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("olm: a pickle key or passphrase is required")
}

func errNotLoaded() error {
	return fmt.Errorf("olm: not loaded (call Init or Load first)")
}

// sessionBuilder adapts the ratchet engine to the encryptor's builder
// surface.
type sessionBuilder struct {
	account *ratchet.Account
}

func (b sessionBuilder) OutboundSession(peerIdentityKey, peerOneTimeKey string) (e2ee.Session, error) {
	s, err := b.account.NewOutboundSession(peerIdentityKey, peerOneTimeKey)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b sessionBuilder) UnpickleSession(pickle, key []byte) (e2ee.Session, error) {
	s, err := ratchet.UnpickleSession(pickle, key)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
