package e2ee

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ClaimRequest asks the key directory for one one-time key per listed
// device, grouped user → device → requested algorithm.
type ClaimRequest struct {
	TimeoutMS   int64                        `json:"timeout_ms"`
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
}

// ClaimResponse is the directory's answer. Claimed key objects are kept as
// raw JSON: the signature covers the whole object minus its signatures, so
// parsing into a fixed struct would discard fields the signature binds.
type ClaimResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                       `json:"failures"`
}

// buildClaimRequest groups devices into the two-level claim shape with an
// explicit accumulator. Duplicate devices collapse into one entry.
func buildClaimRequest(devices []Device, timeout time.Duration) *ClaimRequest {
	byUser := make(map[string]map[string]string)
	for _, d := range devices {
		byDevice, ok := byUser[d.UserID]
		if !ok {
			byDevice = make(map[string]string)
			byUser[d.UserID] = byDevice
		}
		byDevice[d.DeviceID] = KeyAlgorithm
	}
	return &ClaimRequest{
		TimeoutMS:   timeout.Milliseconds(),
		OneTimeKeys: byUser,
	}
}

// signedKeyFor picks the claimed key object for one device out of a
// response. Key object property names carry the algorithm as a prefix
// before a colon; only KeyAlgorithm entries qualify. When a response holds
// several qualifying entries the lowest property name wins, keeping the
// choice deterministic.
func signedKeyFor(resp *ClaimResponse, userID, deviceID string) (keyID string, raw json.RawMessage, ok bool) {
	devices, ok := resp.OneTimeKeys[userID]
	if !ok {
		return "", nil, false
	}
	keys, ok := devices[deviceID]
	if !ok {
		return "", nil, false
	}

	names := make([]string, 0, len(keys))
	for name := range keys {
		algorithm, _, found := strings.Cut(name, ":")
		if found && algorithm == KeyAlgorithm {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil, false
	}
	sort.Strings(names)

	name := names[0]
	_, keyID, _ = strings.Cut(name, ":")
	return keyID, keys[name], true
}
