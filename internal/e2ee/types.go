package e2ee

import (
	"encoding/base64"
	"encoding/json"
	"regexp"

	validation "github.com/jellydator/validation"
)

const (
	// Algorithm identifies olm-encrypted payloads on the wire.
	Algorithm = "m.olm.v1.curve25519-aes-sha2"

	// KeyAlgorithm is the one-time key algorithm requested from the key
	// directory. Keys published under any other algorithm are not accepted.
	KeyAlgorithm = "signed_curve25519"
)

var userIDPattern = regexp.MustCompile(`^@[^:]+:.+$`)

// Device identifies one recipient device: who it belongs to and its two
// long-term public keys. The curve25519 key doubles as the session lookup
// key; the ed25519 key verifies signatures over claimed one-time keys.
type Device struct {
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	Curve25519Key string `json:"curve25519_key"`
	Ed25519Key    string `json:"ed25519_key"`
}

// publicKey validates an unpadded-base64 32-byte public key.
var publicKey = validation.By(func(value any) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_public_key_type", "must be a string")
	}
	if s == "" {
		return nil // let Required handle empty strings
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return validation.NewError("validation_public_key", "must be unpadded base64")
	}
	if len(raw) != 32 {
		return validation.NewError("validation_public_key_size", "must decode to 32 bytes")
	}
	return nil
})

// Validate checks that the device carries everything encryption needs.
func (d Device) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.UserID,
			validation.Required,
			validation.Match(userIDPattern).Error("must look like @localpart:domain"),
		),
		validation.Field(&d.DeviceID, validation.Required),
		validation.Field(&d.Curve25519Key, validation.Required, publicKey),
		validation.Field(&d.Ed25519Key, validation.Required, publicKey),
	)
}

// OlmMessage is one ciphertext entry of the wire envelope.
type OlmMessage struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// EncryptedContent is the wire envelope of one encrypted message. The
// ciphertext map is keyed by the recipient device's curve25519 key.
type EncryptedContent struct {
	Algorithm  string                `json:"algorithm"`
	SenderKey  string                `json:"sender_key"`
	Ciphertext map[string]OlmMessage `json:"ciphertext"`
}

// EncryptedMessage pairs an encrypted payload with the device it is for,
// ready for transport packaging.
type EncryptedMessage struct {
	Content EncryptedContent
	Device  Device
}

// plaintextEnvelope is what actually gets encrypted for each device. Binding
// both identities and the recipient's signing key into the plaintext lets
// the receiver detect payloads relayed to the wrong device.
type plaintextEnvelope struct {
	Keys          map[string]string `json:"keys"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Recipient     string            `json:"recipient"`
	Sender        string            `json:"sender"`
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
}
