package e2ee

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CanonicalJSON encodes v with object keys sorted at every depth, no
// insignificant whitespace, and no HTML escaping. Signatures over key
// payloads are computed and verified against this form, so both ends must
// produce identical bytes for identical values.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("e2ee: canonical json: %w", err)
	}

	// Re-decode preserving number literals, then write back sorted.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("e2ee: canonical json: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			ks, err := marshalNoEscape(k)
			if err != nil {
				return err
			}
			buf.Write(ks)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	case string:
		s, err := marshalNoEscape(t)
		if err != nil {
			return err
		}
		buf.Write(s)
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("e2ee: canonical json: unsupported type %T", v)
	}
	return nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// decodeBase64 accepts both padded and unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// VerifySignedOneTimeKey checks the device's signature over a signed key
// object and returns the key itself. The signature covers the canonical
// JSON of the object with its signatures and unsigned properties removed.
// Both the claiming client and the directory server use this check.
func VerifySignedOneTimeKey(raw json.RawMessage, userID, deviceID, ed25519Key string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return "", fmt.Errorf("e2ee: parse signed key: %w", err)
	}

	key, _ := obj["key"].(string)
	if key == "" {
		return "", fmt.Errorf("e2ee: signed key object has no key property")
	}

	signatures, _ := obj["signatures"].(map[string]any)
	userSignatures, _ := signatures[userID].(map[string]any)
	signature, _ := userSignatures["ed25519:"+deviceID].(string)
	if signature == "" {
		return "", fmt.Errorf("e2ee: signed key has no ed25519 signature from %s/%s", userID, deviceID)
	}

	delete(obj, "signatures")
	delete(obj, "unsigned")
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return "", err
	}

	pub, err := decodeBase64(ed25519Key)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("e2ee: device ed25519 key is malformed")
	}
	sig, err := decodeBase64(signature)
	if err != nil {
		return "", fmt.Errorf("e2ee: decode signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), canonical, sig) {
		return "", fmt.Errorf("e2ee: one-time key signature verification failed")
	}
	return key, nil
}
