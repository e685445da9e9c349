package ratchet

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// pickleFormatVersion is the current encrypted pickle blob version.
const pickleFormatVersion = 1

const pickleInfo = "olm-pickle"

// ErrWrongPickleKey is returned when a pickle cannot be opened with the
// given key, either because the key is wrong or the blob was corrupted.
var ErrWrongPickleKey = errors.New("ratchet: wrong pickle key or corrupted pickle")

// pickleBlob is the at-rest JSON structure of a sealed pickle.
type pickleBlob struct {
	V      int    `json:"v"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// sealPickle seals plaintext under a key derived from the pickle key.
func sealPickle(key, plaintext []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("ratchet: empty pickle key")
	}
	aead, err := pickleAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("ratchet: pickle nonce: %w", err)
	}
	out, err := json.Marshal(pickleBlob{
		V:      pickleFormatVersion,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("ratchet: marshal pickle: %w", err)
	}
	return out, nil
}

// openPickle reverses sealPickle. Failure to authenticate maps to
// ErrWrongPickleKey.
func openPickle(key, data []byte) ([]byte, error) {
	var blob pickleBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("ratchet: unmarshal pickle: %w", err)
	}
	if blob.V > pickleFormatVersion {
		return nil, fmt.Errorf("ratchet: unsupported pickle version %d", blob.V)
	}
	if len(blob.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrWrongPickleKey
	}
	aead, err := pickleAEAD(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, blob.Nonce, blob.Cipher, nil)
	if err != nil {
		return nil, ErrWrongPickleKey
	}
	return plain, nil
}

func pickleAEAD(key []byte) (cipher.AEAD, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(pickleInfo)), derived)
	aead, err := chacha20poly1305.New(derived)
	zero(derived)
	if err != nil {
		return nil, fmt.Errorf("ratchet: pickle cipher: %w", err)
	}
	return aead, nil
}

// Scrypt parameters for passphrase-derived pickle keys.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// PickleKeyFromPassphrase derives a pickle key from a user passphrase and a
// per-store random salt. The salt must be stored alongside the pickles and
// reused on every derivation.
func PickleKeyFromPassphrase(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("ratchet: empty pickle salt")
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive pickle key: %w", err)
	}
	return key, nil
}

// NewPickleSalt generates a random salt for PickleKeyFromPassphrase.
func NewPickleSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("ratchet: generate pickle salt: %w", err)
	}
	return salt, nil
}
