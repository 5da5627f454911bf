package messaging

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mecha-agent/agent/internal/pki"
)

func mustKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := pki.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key
}

// nonceThenTokenServer builds a test backend that serves a fixed nonce on
// nonceURL and replies to tokenURL with tokenStatus/tokenBody.
func nonceThenTokenServer(t *testing.T, nonceURL, tokenURL string, tokenStatus int, tokenBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(nonceURL, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serverResponse[nonceResponse]{
			Success: true, Status: "ok", StatusCode: 200,
			Payload: nonceResponse{Payload: "test-nonce"},
		})
	})
	mux.HandleFunc(tokenURL, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(tokenStatus)
		w.Write([]byte(tokenBody))
	})
	return httptest.NewServer(mux)
}

func TestAuthenticateSucceeds(t *testing.T) {
	key := mustKey(t)
	body, _ := json.Marshal(serverResponse[authTokenResponse]{
		Success: true, Status: "ok", StatusCode: 200,
		Payload: authTokenResponse{Payload: "bearer-token"},
	})
	srv := nonceThenTokenServer(t, "/nonce", "/token", http.StatusOK, string(body))
	defer srv.Close()

	token, err := authenticate(context.Background(), srv.Client(), srv.URL, "/nonce", "/token", "machine-1", key)
	if err != nil {
		t.Fatalf("authenticate() error = %v", err)
	}
	if token != "bearer-token" {
		t.Errorf("authenticate() = %q, want %q", token, "bearer-token")
	}
}

func TestAuthenticateNonceServerError(t *testing.T) {
	key := mustKey(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := authenticate(context.Background(), srv.Client(), srv.URL, "/nonce", "/token", "machine-1", key)
	if !errors.Is(err, ErrServerError) {
		t.Errorf("authenticate() error = %v, want ErrServerError", err)
	}
}

func TestPostJSONClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusInternalServerError, ErrServerError},
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"teapot", http.StatusTeapot, ErrUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			var out nonceResponse
			err := postJSON(context.Background(), srv.Client(), srv.URL, []byte(`{}`), &out)
			if !errors.Is(err, tc.want) {
				t.Errorf("postJSON() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPostJSONDecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serverResponse[nonceResponse]{Payload: nonceResponse{Payload: "abc"}})
	}))
	defer srv.Close()

	var out serverResponse[nonceResponse]
	if err := postJSON(context.Background(), srv.Client(), srv.URL, []byte(`{}`), &out); err != nil {
		t.Fatalf("postJSON() error = %v", err)
	}
	if out.Payload.Payload != "abc" {
		t.Errorf("Payload.Payload = %q, want %q", out.Payload.Payload, "abc")
	}
}

func TestClientOperationsFailBeforeConnect(t *testing.T) {
	c := NewClient(nil)

	if _, err := c.Publish("subj", nil, []byte("x")); !errors.Is(err, ErrNatsClientNotInitialized) {
		t.Errorf("Publish() error = %v, want ErrNatsClientNotInitialized", err)
	}
	if _, _, err := c.ChanSubscribe("subj"); !errors.Is(err, ErrNatsClientNotInitialized) {
		t.Errorf("ChanSubscribe() error = %v, want ErrNatsClientNotInitialized", err)
	}
	if _, err := c.Request(context.Background(), "subj", nil); !errors.Is(err, ErrNatsClientNotInitialized) {
		t.Errorf("Request() error = %v, want ErrNatsClientNotInitialized", err)
	}
	if _, err := c.InitJetStream(); !errors.Is(err, ErrNatsClientNotInitialized) {
		t.Errorf("InitJetStream() error = %v, want ErrNatsClientNotInitialized", err)
	}
	if c.Connected() {
		t.Error("Connected() = true before any Connect call")
	}
}
