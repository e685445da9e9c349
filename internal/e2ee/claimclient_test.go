package e2ee

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClaimKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if r.URL.Path != "/keys/claim" {
			t.Errorf("path: got %s, want /keys/claim", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("authorization: got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content type: got %q", got)
		}

		var req ClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.TimeoutMS != 10000 {
			t.Errorf("timeout_ms: got %d, want 10000", req.TimeoutMS)
		}
		if req.OneTimeKeys["@bob:example.org"]["BOBDEV"] != KeyAlgorithm {
			t.Errorf("request keys: got %v", req.OneTimeKeys)
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{
			"one_time_keys": {"@bob:example.org": {"BOBDEV": {"signed_curve25519:AAAAAQ": {"key": "abc"}}}},
			"failures": {"@carol:example.org": {"status": 404}}
		}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	c := NewKeyDirectoryClient(srv.URL, "secret-token", nil, nil)
	resp, err := c.ClaimKeys(context.Background(), buildClaimRequest([]Device{
		{UserID: "@bob:example.org", DeviceID: "BOBDEV"},
	}, 10*time.Second))
	if err != nil {
		t.Fatalf("ClaimKeys: %v", err)
	}

	keyID, raw, ok := signedKeyFor(resp, "@bob:example.org", "BOBDEV")
	if !ok {
		t.Fatal("claimed key missing from response")
	}
	if keyID != "AAAAAQ" {
		t.Errorf("key id: got %q, want AAAAAQ", keyID)
	}
	if !strings.Contains(string(raw), `"abc"`) {
		t.Errorf("raw key object: got %s", raw)
	}
	if len(resp.Failures) != 1 {
		t.Errorf("failures: got %d, want 1", len(resp.Failures))
	}
}

func TestClaimKeysServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "directory on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewKeyDirectoryClient(srv.URL, "", nil, nil)
	_, err := c.ClaimKeys(context.Background(), &ClaimRequest{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "status 500") || !strings.Contains(err.Error(), "directory on fire") {
		t.Errorf("error %q should carry status and body", err)
	}
}

func TestClaimKeysContextCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewKeyDirectoryClient(srv.URL, "", nil, nil)
	if _, err := c.ClaimKeys(ctx, &ClaimRequest{}); err == nil {
		t.Fatal("expected error when context times out")
	}
}

func TestUploadKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method: got %s, want PUT", r.Method)
		}
		if r.URL.Path != "/keys/upload" {
			t.Errorf("path: got %s, want /keys/upload", r.URL.Path)
		}
		var req UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.UserID != "@alice:example.org" || req.DeviceID != "ALICEDEV" {
			t.Errorf("device: got %s/%s", req.UserID, req.DeviceID)
		}
		if len(req.OneTimeKeys) != 1 {
			t.Errorf("one_time_keys: got %d entries, want 1", len(req.OneTimeKeys))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewKeyDirectoryClient(srv.URL, "", nil, nil)
	err := c.UploadKeys(context.Background(), &UploadRequest{
		Device: Device{UserID: "@alice:example.org", DeviceID: "ALICEDEV"},
		OneTimeKeys: map[string]json.RawMessage{
			"signed_curve25519:AAAAAQ": json.RawMessage(`{"key":"abc"}`),
		},
	})
	if err != nil {
		t.Fatalf("UploadKeys: %v", err)
	}
}

func TestDeviceKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method: got %s, want GET", r.Method)
		}
		if want := "/keys/device/@bob:example.org/BOBDEV"; r.URL.Path != want {
			t.Errorf("path: got %s, want %s", r.URL.Path, want)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{
			"user_id": "@bob:example.org",
			"device_id": "BOBDEV",
			"curve25519_key": "curvekey",
			"ed25519_key": "edkey"
		}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	c := NewKeyDirectoryClient(srv.URL, "", srv.Client(), nil)
	d, err := c.DeviceKeys(context.Background(), "@bob:example.org", "BOBDEV")
	if err != nil {
		t.Fatalf("DeviceKeys: %v", err)
	}
	if d.UserID != "@bob:example.org" || d.Curve25519Key != "curvekey" || d.Ed25519Key != "edkey" {
		t.Errorf("device: got %+v", d)
	}
}
