package e2ee

// encryptionTarget tracks one device's progress toward a usable session
// within a single encrypt call. It starts out holding either a claimed
// one-time key (a session will be created) or a session id (a session will
// be loaded), never both, and ends up holding the live session.
//
// The encryptor owns every target it creates and must release each one on
// every exit path. release is idempotent, so the unconditional sweep at the
// end of the call cannot double-free a session.
type encryptionTarget struct {
	device     Device
	oneTimeKey string
	sessionID  string
	session    Session
	released   bool
}

func newClaimTarget(device Device, oneTimeKey string) *encryptionTarget {
	return &encryptionTarget{device: device, oneTimeKey: oneTimeKey}
}

func newLoadTarget(device Device, sessionID string) *encryptionTarget {
	return &encryptionTarget{device: device, sessionID: sessionID}
}

// release closes the target's session if one was ever assigned. Calling it
// on a target that never got a session is a no-op.
func (t *encryptionTarget) release() {
	if t.session == nil || t.released {
		return
	}
	t.session.Close()
	t.released = true
}
