// Package e2ee drives outbound end-to-end encryption: given a plaintext
// payload and a set of recipient devices, it reuses or establishes one olm
// session per device, encrypts the payload for each, and persists the
// advanced session state.
//
// Concurrent callers are safe with respect to resource handling, but the
// read-then-write shape of an encrypt call is not serialized against other
// writers of the same session records: a concurrent encrypt call in another
// process, or a future inbound decryption path, can advance a session
// between this call's load and persist phases, and the last write wins.
// Callers that need stronger guarantees must serialize encrypt calls per
// device themselves.
package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultClaimTimeout bounds the one-time key claim round trip, and is sent
// to the server as the timeout_ms request property.
const DefaultClaimTimeout = 10 * time.Second

// EncryptorConfig carries the collaborators and process-wide values an
// Encryptor needs. Own, Sessions, Tx, Builder and PickleKey are required.
type EncryptorConfig struct {
	// Own is the local device's identity, embedded in every plaintext
	// envelope and used as the wire sender_key.
	Own Device

	Sessions SessionStore
	Tx       TxManager
	Builder  SessionBuilder

	// PickleKey seals session state at rest. It is held for the lifetime of
	// the encryptor and never logged.
	PickleKey []byte

	// Logger receives per-device drop reasons and progress lines. Nil
	// disables logging.
	Logger *log.Logger

	// ClaimTimeout overrides DefaultClaimTimeout when positive.
	ClaimTimeout time.Duration
}

// Encryptor encrypts payloads to batches of devices. Construct with
// NewEncryptor; the zero value is not usable.
type Encryptor struct {
	own          Device
	sessions     SessionStore
	tx           TxManager
	builder      SessionBuilder
	pickleKey    []byte
	logger       *log.Logger
	claimTimeout time.Duration
}

// NewEncryptor validates cfg and builds an Encryptor.
func NewEncryptor(cfg EncryptorConfig) (*Encryptor, error) {
	if err := cfg.Own.Validate(); err != nil {
		return nil, fmt.Errorf("e2ee: own device: %w", err)
	}
	if cfg.Sessions == nil || cfg.Tx == nil || cfg.Builder == nil {
		return nil, fmt.Errorf("e2ee: session store, tx manager and session builder are required")
	}
	if len(cfg.PickleKey) == 0 {
		return nil, fmt.Errorf("e2ee: pickle key is required")
	}
	timeout := cfg.ClaimTimeout
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	return &Encryptor{
		own:          cfg.Own,
		sessions:     cfg.Sessions,
		tx:           cfg.Tx,
		builder:      cfg.Builder,
		pickleKey:    cfg.PickleKey,
		logger:       cfg.Logger,
		claimTimeout: timeout,
	}, nil
}

// Encrypt produces one encrypted message per device that has, or can
// establish, an olm session. Devices whose one-time key claim fails, whose
// claimed key is unsigned or signed incorrectly, or whose session cannot be
// created are dropped from the output with the reason logged; they never
// fail the call. Storage failures, a failed claim request, and encryption
// failures abort the whole call with no output.
//
// content must be a valid JSON value; it is embedded opaquely in each
// device's plaintext envelope together with messageType and both
// identities. All sessions touched by the call are written back in one
// transaction and released before Encrypt returns, on every path.
func (e *Encryptor) Encrypt(ctx context.Context, messageType string, content json.RawMessage, devices []Device, claim ClaimClient) ([]EncryptedMessage, error) {
	if len(devices) == 0 {
		return nil, nil
	}
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("e2ee: device %s/%s: %w", d.UserID, d.DeviceID, err)
		}
	}
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	if !json.Valid(content) {
		return nil, fmt.Errorf("e2ee: content is not valid JSON")
	}
	now := time.Now()

	existing, needClaim, err := e.partition(ctx, devices)
	if err != nil {
		return nil, err
	}

	// targets accumulates every target the call owns; the deferred sweep is
	// the single place sessions are released, so it runs on every exit path
	// and cannot run twice per target.
	targets := existing
	defer func() {
		for _, t := range targets {
			t.release()
		}
	}()

	created, err := e.establishSessions(ctx, needClaim, claim)
	if err != nil {
		return nil, err
	}
	targets = append(targets, created...)

	// New sessions are written out before first use, in their own
	// transaction, so a failure later in the call cannot lose them: the
	// peer's one-time key is already consumed.
	if len(created) > 0 {
		if err := e.persistSessions(ctx, created, now); err != nil {
			return nil, err
		}
	}

	if err := e.loadSessions(ctx, existing); err != nil {
		return nil, err
	}

	messages, err := e.encryptAll(messageType, content, targets)
	if err != nil {
		return nil, err
	}

	if err := e.persistSessions(ctx, targets, now); err != nil {
		return nil, err
	}
	return messages, nil
}

// partition looks up stored session ids for every device concurrently and
// splits the batch into targets with an existing session and devices that
// need one established. When a device has several stored sessions the
// lexicographically smallest id wins, so concurrent callers converge on the
// same session no matter how the ids were returned.
func (e *Encryptor) partition(ctx context.Context, devices []Device) (existing []*encryptionTarget, needClaim []Device, err error) {
	ids := make([][]string, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range devices {
		i, d := i, d
		g.Go(func() error {
			found, err := e.sessions.GetSessionIDs(gctx, d.Curve25519Key)
			if err != nil {
				return fmt.Errorf("e2ee: session ids for %s/%s: %w", d.UserID, d.DeviceID, err)
			}
			ids[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, d := range devices {
		if len(ids[i]) == 0 {
			needClaim = append(needClaim, d)
			continue
		}
		existing = append(existing, newLoadTarget(d, slices.Min(ids[i])))
	}
	return existing, needClaim, nil
}

// establishSessions claims one-time keys for the given devices and creates
// a session per verified key. The claim round trip failing is fatal;
// everything after it degrades per device. Returned targets all hold a live
// session.
func (e *Encryptor) establishSessions(ctx context.Context, devices []Device, claim ClaimClient) ([]*encryptionTarget, error) {
	if len(devices) == 0 {
		return nil, nil
	}
	if claim == nil {
		return nil, fmt.Errorf("e2ee: %d sessions to establish but no claim client", len(devices))
	}

	req := buildClaimRequest(devices, e.claimTimeout)
	cctx, cancel := context.WithTimeout(ctx, e.claimTimeout)
	defer cancel()
	resp, err := claim.ClaimKeys(cctx, req)
	if err != nil {
		return nil, fmt.Errorf("e2ee: claim one-time keys: %w", err)
	}
	for target, reason := range resp.Failures {
		logf(e.logger, "key claim failed for %s: %s", target, reason)
	}

	var created []*encryptionTarget
	for _, d := range devices {
		keyID, raw, ok := signedKeyFor(resp, d.UserID, d.DeviceID)
		if !ok {
			logf(e.logger, "no %s key claimed for %s/%s, dropping device", KeyAlgorithm, d.UserID, d.DeviceID)
			continue
		}
		key, err := VerifySignedOneTimeKey(raw, d.UserID, d.DeviceID, d.Ed25519Key)
		if err != nil {
			logf(e.logger, "rejecting claimed key %s for %s/%s: %v", keyID, d.UserID, d.DeviceID, err)
			continue
		}

		t := newClaimTarget(d, key)
		session, err := e.builder.OutboundSession(d.Curve25519Key, t.oneTimeKey)
		if err != nil {
			logf(e.logger, "creating session for %s/%s: %v", d.UserID, d.DeviceID, err)
			continue
		}
		t.session = session
		created = append(created, t)
	}
	return created, nil
}

// loadSessions unpickles the stored session for every load target,
// concurrently. Loading is all-or-nothing: the first failure cancels the
// rest of the phase and fails the call, and each goroutine re-checks the
// group context before attaching its session so work finishing after the
// failure closes its session instead of handing it to a doomed batch.
// Sessions already attached are released by the caller's sweep.
func (e *Encryptor) loadSessions(ctx context.Context, targets []*encryptionTarget) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			pickle, err := e.sessions.GetSession(gctx, t.device.Curve25519Key, t.sessionID)
			if err != nil {
				return fmt.Errorf("e2ee: load session %s for %s/%s: %w", t.sessionID, t.device.UserID, t.device.DeviceID, err)
			}
			session, err := e.builder.UnpickleSession(pickle, e.pickleKey)
			if err != nil {
				return fmt.Errorf("e2ee: unpickle session %s for %s/%s: %w", t.sessionID, t.device.UserID, t.device.DeviceID, err)
			}
			if gctx.Err() != nil {
				session.Close()
				return gctx.Err()
			}
			t.session = session
			return nil
		})
	}
	return g.Wait()
}

// encryptAll builds and encrypts the plaintext envelope for every target
// holding a session. Encryption advances ratchet state, so a failure here
// is fatal to the call rather than a per-device drop.
func (e *Encryptor) encryptAll(messageType string, content json.RawMessage, targets []*encryptionTarget) ([]EncryptedMessage, error) {
	messages := make([]EncryptedMessage, 0, len(targets))
	for _, t := range targets {
		if t.session == nil {
			continue
		}

		envelope := plaintextEnvelope{
			Keys:          map[string]string{"ed25519": e.own.Ed25519Key},
			RecipientKeys: map[string]string{"ed25519": t.device.Ed25519Key},
			Recipient:     t.device.UserID,
			Sender:        e.own.UserID,
			Type:          messageType,
			Content:       content,
		}
		plaintext, err := json.Marshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("e2ee: marshal envelope for %s/%s: %w", t.device.UserID, t.device.DeviceID, err)
		}

		msgType, body, err := t.session.Encrypt(plaintext)
		if err != nil {
			return nil, fmt.Errorf("e2ee: encrypt for %s/%s: %w", t.device.UserID, t.device.DeviceID, err)
		}

		messages = append(messages, EncryptedMessage{
			Device: t.device,
			Content: EncryptedContent{
				Algorithm: Algorithm,
				SenderKey: e.own.Curve25519Key,
				Ciphertext: map[string]OlmMessage{
					t.device.Curve25519Key: {Type: msgType, Body: body},
				},
			},
		})
	}
	return messages, nil
}

// persistSessions pickles every live session and upserts its record, all in
// one transaction stamped with the call's timestamp.
func (e *Encryptor) persistSessions(ctx context.Context, targets []*encryptionTarget, at time.Time) error {
	return e.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, t := range targets {
			if t.session == nil {
				continue
			}
			pickle, err := t.session.Pickle(e.pickleKey)
			if err != nil {
				return fmt.Errorf("e2ee: pickle session for %s/%s: %w", t.device.UserID, t.device.DeviceID, err)
			}
			if err := e.sessions.SetSession(ctx, t.device.Curve25519Key, t.session.ID(), pickle, at); err != nil {
				return fmt.Errorf("e2ee: persist session for %s/%s: %w", t.device.UserID, t.device.DeviceID, err)
			}
		}
		return nil
	})
}

// logf logs to the given logger, or does nothing if it is nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
