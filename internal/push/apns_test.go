package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

type capturedPush struct {
	path    string
	header  http.Header
	payload map[string]any
}

type fakeAPNs struct {
	mu       sync.Mutex
	requests []capturedPush
	status   int
	reason   string
}

func (f *fakeAPNs) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	f.mu.Lock()
	f.requests = append(f.requests, capturedPush{path: r.URL.Path, header: r.Header.Clone(), payload: payload})
	status, reason := f.status, f.reason
	f.mu.Unlock()

	if status == 0 || status == http.StatusOK {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"reason":%q}`, reason)
}

func (f *fakeAPNs) last() capturedPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestAPNs(t *testing.T, fake *fakeAPNs) (*APNsClient, *ecdsa.PrivateKey) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	client, err := NewAPNsClient(APNsOptions{
		KeyID:      "KEY1234567",
		TeamID:     "TEAM123456",
		BundleID:   "com.example.relay",
		Key:        key,
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, key
}

func TestAPNsSendAlert(t *testing.T) {
	fake := &fakeAPNs{}
	client, key := newTestAPNs(t, fake)

	err := client.Send(context.Background(), "abcdef0123", Alert{
		Title:      "Approval needed [mbp]",
		Subtitle:   "Bash command",
		Body:       "$ ls",
		Category:   "PERMISSION_REQUEST",
		CollapseID: "relay:%1:1",
		Data:       map[string]any{"request_id": "r1", "type": "permission_request"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := fake.last()
	if got.path != "/3/device/abcdef0123" {
		t.Errorf("unexpected path %s", got.path)
	}
	for header, want := range map[string]string{
		"apns-topic":       "com.example.relay",
		"apns-push-type":   "alert",
		"apns-priority":    "10",
		"apns-collapse-id": "relay:%1:1",
	} {
		if v := got.header.Get(header); v != want {
			t.Errorf("%s: expected %q, got %q", header, want, v)
		}
	}

	auth := got.header.Get("Authorization")
	if !strings.HasPrefix(auth, "bearer ") {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	parsed, err := jwt.Parse(strings.TrimPrefix(auth, "bearer "), func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("verify provider token: %v", err)
	}
	if parsed.Header["kid"] != "KEY1234567" {
		t.Errorf("unexpected kid %v", parsed.Header["kid"])
	}
	if iss, _ := parsed.Claims.GetIssuer(); iss != "TEAM123456" {
		t.Errorf("unexpected iss %q", iss)
	}

	if got.payload["request_id"] != "r1" {
		t.Errorf("custom data must be merged at top level, got %v", got.payload)
	}
	aps, _ := got.payload["aps"].(map[string]any)
	if aps["sound"] != "default" || aps["interruption-level"] != "time-sensitive" || aps["category"] != "PERMISSION_REQUEST" {
		t.Errorf("unexpected aps %v", aps)
	}
	alert, _ := aps["alert"].(map[string]any)
	if alert["title"] != "Approval needed [mbp]" || alert["subtitle"] != "Bash command" || alert["body"] != "$ ls" {
		t.Errorf("unexpected alert %v", alert)
	}
}

func TestAPNsSendSilent(t *testing.T) {
	fake := &fakeAPNs{}
	client, _ := newTestAPNs(t, fake)

	if err := client.SendSilent(context.Background(), "tok", map[string]any{"type": "dismiss", "request_id": "r1"}); err != nil {
		t.Fatalf("send silent: %v", err)
	}
	got := fake.last()
	if got.header.Get("apns-push-type") != "background" || got.header.Get("apns-priority") != "5" {
		t.Errorf("unexpected headers %v", got.header)
	}
	if got.header.Get("apns-collapse-id") != "" {
		t.Error("silent push carries no collapse id")
	}
	aps, _ := got.payload["aps"].(map[string]any)
	if aps["content-available"] != float64(1) {
		t.Errorf("expected content-available, got %v", aps)
	}
	if got.payload["type"] != "dismiss" || got.payload["request_id"] != "r1" {
		t.Errorf("unexpected payload %v", got.payload)
	}
}

func TestAPNsProviderTokenReused(t *testing.T) {
	fake := &fakeAPNs{}
	client, _ := newTestAPNs(t, fake)

	for i := 0; i < 3; i++ {
		if err := client.SendSilent(context.Background(), "tok", nil); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	first := fake.requests[0].header.Get("Authorization")
	for _, r := range fake.requests[1:] {
		if r.header.Get("Authorization") != first {
			t.Fatal("provider token must be reused")
		}
	}
}

func TestAPNsExpiredProviderTokenResigns(t *testing.T) {
	fake := &fakeAPNs{status: http.StatusForbidden, reason: "ExpiredProviderToken"}
	client, _ := newTestAPNs(t, fake)

	if err := client.SendSilent(context.Background(), "tok", nil); err == nil {
		t.Fatal("expected error")
	}
	fake.mu.Lock()
	fake.status = http.StatusOK
	fake.mu.Unlock()
	if err := client.SendSilent(context.Background(), "tok", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fake.requests[0].header.Get("Authorization") == fake.requests[1].header.Get("Authorization") {
		t.Error("expected a freshly signed token")
	}
}

func TestAPNsErrors(t *testing.T) {
	tests := []struct {
		status int
		reason string
		bad    bool
	}{
		{http.StatusGone, "Unregistered", true},
		{http.StatusBadRequest, "BadDeviceToken", true},
		{http.StatusBadRequest, "PayloadTooLarge", false},
		{http.StatusInternalServerError, "InternalServerError", false},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			fake := &fakeAPNs{status: tt.status, reason: tt.reason}
			client, _ := newTestAPNs(t, fake)

			err := client.Send(context.Background(), "tok", Alert{Title: "t", Body: "b"})
			var apnsErr *APNsError
			if !errors.As(err, &apnsErr) {
				t.Fatalf("expected APNsError, got %v", err)
			}
			if apnsErr.Status != tt.status || apnsErr.Reason != tt.reason {
				t.Errorf("unexpected error %+v", apnsErr)
			}
			if IsBadDevice(err) != tt.bad {
				t.Errorf("IsBadDevice: expected %v", tt.bad)
			}
		})
	}
}

func TestIsBadDeviceWrapped(t *testing.T) {
	err := fmt.Errorf("deliver: %w", &APNsError{Status: http.StatusGone})
	if !IsBadDevice(err) {
		t.Error("wrapped 410 must count as bad device")
	}
	if IsBadDevice(errors.New("connection reset")) {
		t.Error("transport error is not a bad device")
	}
}

func TestLoadAPNsKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "AuthKey_KEY1234567.p8")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	loaded, err := LoadAPNsKey(path)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("loaded key differs")
	}

	if _, err := LoadAPNsKey(filepath.Join(t.TempDir(), "missing.p8")); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestNewAPNsClientValidates(t *testing.T) {
	if _, err := NewAPNsClient(APNsOptions{KeyID: "k", TeamID: "t", BundleID: "b"}); err == nil {
		t.Error("expected error without key")
	}
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if _, err := NewAPNsClient(APNsOptions{Key: key}); err == nil {
		t.Error("expected error without ids")
	}
	c, err := NewAPNsClient(APNsOptions{KeyID: "k", TeamID: "t", BundleID: "b", Key: key, Production: true})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.baseURL != APNsProductionURL {
		t.Errorf("expected production url, got %s", c.baseURL)
	}
}
