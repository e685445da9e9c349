package e2ee

import (
	"encoding/base64"
	"strings"
	"testing"
)

func validTestDevice() Device {
	key := base64.RawStdEncoding.EncodeToString(make([]byte, 32))
	return Device{
		UserID:        "@alice:example.org",
		DeviceID:      "ALICEDEV",
		Curve25519Key: key,
		Ed25519Key:    key,
	}
}

func TestDeviceValidate(t *testing.T) {
	if err := validTestDevice().Validate(); err != nil {
		t.Fatalf("valid device: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Device)
		wantErr string
	}{
		{
			name:    "missing user id",
			mutate:  func(d *Device) { d.UserID = "" },
			wantErr: "user_id",
		},
		{
			name:    "user id without sigil",
			mutate:  func(d *Device) { d.UserID = "alice:example.org" },
			wantErr: "user_id",
		},
		{
			name:    "user id without domain",
			mutate:  func(d *Device) { d.UserID = "@alice" },
			wantErr: "user_id",
		},
		{
			name:    "missing device id",
			mutate:  func(d *Device) { d.DeviceID = "" },
			wantErr: "device_id",
		},
		{
			name:    "missing curve25519 key",
			mutate:  func(d *Device) { d.Curve25519Key = "" },
			wantErr: "curve25519_key",
		},
		{
			name:    "padded curve25519 key",
			mutate:  func(d *Device) { d.Curve25519Key += "=" },
			wantErr: "curve25519_key",
		},
		{
			name:    "short ed25519 key",
			mutate:  func(d *Device) { d.Ed25519Key = base64.RawStdEncoding.EncodeToString(make([]byte, 16)) },
			wantErr: "ed25519_key",
		},
		{
			name:    "garbage ed25519 key",
			mutate:  func(d *Device) { d.Ed25519Key = "not base64 at all!!" },
			wantErr: "ed25519_key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validTestDevice()
			tt.mutate(&d)
			err := d.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
