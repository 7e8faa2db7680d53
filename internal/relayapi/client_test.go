package relayapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"murmur-chat/client-core/pkg/models"
)

func TestRegisterSendsIdentityAndReturnsCredential(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/devices" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"device_id":1,"credential":"tok123"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, 100, 10)
	resp, err := client.Register(context.Background(), RegisterRequest{AccountID: "mur1abc"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if resp.DeviceID != 1 || resp.Credential != "tok123" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotAuth != "" {
		t.Fatal("register must not send a credential before one is issued")
	}
}

func TestBearerCredentialAttached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok123" {
			t.Errorf("missing bearer credential, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"address":{"account_id":"mur1peer","device_id":1}}`))
	}))
	defer srv.Close()

	client := New(srv.URL, 100, 10)
	client.SetCredential("tok123")
	if _, err := client.FetchPrekeyBundle(context.Background(), models.Address{AccountID: "mur1peer", DeviceID: 1}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized is auth", http.StatusUnauthorized, models.ErrAuth},
		{"forbidden is auth", http.StatusForbidden, models.ErrAuth},
		{"server error is network", http.StatusBadGateway, models.ErrNetwork},
		{"throttle is network", http.StatusTooManyRequests, models.ErrNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client := New(srv.URL, 100, 10)
			_, err := client.FetchPrekeyBundle(context.Background(), models.Address{AccountID: "mur1x", DeviceID: 1})
			if !errors.Is(err, tc.want) {
				t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
			}
		})
	}
}

func TestRegisterConflictIsRegistrationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := New(srv.URL, 100, 10)
	_, err := client.Register(context.Background(), RegisterRequest{AccountID: "taken"})
	if !errors.Is(err, models.ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
}

func TestUnreachableRelayIsNetworkError(t *testing.T) {
	client := New("http://127.0.0.1:1", 100, 10)
	_, err := client.FetchPrekeyBundle(context.Background(), models.Address{AccountID: "mur1x", DeviceID: 1})
	if !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}
