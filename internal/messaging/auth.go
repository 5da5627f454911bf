package messaging

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mecha-agent/agent/internal/pki"
)

const (
	agentName    = "mecha_agent"
	agentVersion = "1.0.0"
)

// serverResponse is the envelope every backend HTTP endpoint wraps its
// payload in.
type serverResponse[T any] struct {
	Success    bool    `json:"success"`
	Status     string  `json:"status"`
	StatusCode int     `json:"status_code"`
	Message    *string `json:"message,omitempty"`
	ErrorCode  *string `json:"error_code,omitempty"`
	SubErrors  *string `json:"sub_errors,omitempty"`
	Payload    T       `json:"payload"`
}

type nonceRequest struct {
	AgentName    string `json:"agent_name"`
	AgentVersion string `json:"agent_version"`
}

type nonceResponse struct {
	Payload string `json:"payload"`
}

type authTokenRequest struct {
	MachineID   string `json:"machine_id"`
	Type        string `json:"type"`
	Scope       string `json:"scope"`
	Nonce       string `json:"nonce"`
	SignedNonce string `json:"signed_nonce"`
	PublicKey   string `json:"public_key"`
}

type authTokenResponse struct {
	Payload string `json:"payload"`
}

// authenticate runs the three-step messaging handshake: fetch a nonce,
// sign it with the machine private key, exchange the signature for a
// bearer token. Grounded on
// original_source/messaging/src/service.rs's authenticate/get_auth_nonce/
// get_auth_token, rendered with net/http + encoding/json in the teacher's
// explicit status-code-switch idiom.
func authenticate(ctx context.Context, httpClient *http.Client, serviceURL, getNonceURL, issueAuthTokenURL, machineID string, key *rsa.PrivateKey) (string, error) {
	nonce, err := getAuthNonce(ctx, httpClient, serviceURL, getNonceURL)
	if err != nil {
		return "", err
	}

	signedNonce, err := pki.SignNonce(key, []byte(nonce))
	if err != nil {
		return "", &Error{Op: "sign nonce", Err: err}
	}

	pubKeyPEM, err := pki.PublicKeyPEM(key)
	if err != nil {
		return "", &Error{Op: "encode public key", Err: err}
	}

	return getAuthToken(ctx, httpClient, serviceURL, issueAuthTokenURL, machineID, nonce, signedNonce, string(pubKeyPEM))
}

func getAuthNonce(ctx context.Context, httpClient *http.Client, serviceURL, getNonceURL string) (string, error) {
	body, err := json.Marshal(nonceRequest{AgentName: agentName, AgentVersion: agentVersion})
	if err != nil {
		return "", &Error{Op: "marshal nonce request", Err: err}
	}

	var resp serverResponse[nonceResponse]
	if err := postJSON(ctx, httpClient, serviceURL+getNonceURL, body, &resp); err != nil {
		return "", err
	}
	return resp.Payload.Payload, nil
}

func getAuthToken(ctx context.Context, httpClient *http.Client, serviceURL, issueAuthTokenURL, machineID, nonce, signedNonce, publicKeyPEM string) (string, error) {
	body, err := json.Marshal(authTokenRequest{
		MachineID:   machineID,
		Type:        "device",
		Scope:       "user",
		Nonce:       nonce,
		SignedNonce: signedNonce,
		PublicKey:   publicKeyPEM,
	})
	if err != nil {
		return "", &Error{Op: "marshal token request", Err: err}
	}

	var resp serverResponse[authTokenResponse]
	if err := postJSON(ctx, httpClient, serviceURL+issueAuthTokenURL, body, &resp); err != nil {
		return "", err
	}
	return resp.Payload.Payload, nil
}

// postJSON performs the POST and classifies the HTTP status the way
// spec.md prescribes: 500 -> ServerError, 400 -> BadRequest,
// 404 -> NotFound, anything else non-2xx -> Unknown.
func postJSON(ctx context.Context, httpClient *http.Client, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return &Error{Op: fmt.Sprintf("POST %s", url), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode == http.StatusInternalServerError:
		return &Error{Op: fmt.Sprintf("POST %s", url), Err: ErrServerError}
	case resp.StatusCode == http.StatusBadRequest:
		return &Error{Op: fmt.Sprintf("POST %s", url), Err: ErrBadRequest}
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Op: fmt.Sprintf("POST %s", url), Err: ErrNotFound}
	default:
		return &Error{Op: fmt.Sprintf("POST %s", url), Err: ErrUnknown}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: fmt.Sprintf("decode %s", url), Err: err}
	}
	return nil
}

// defaultHTTPClient is the client used when callers don't supply their
// own, matching the teacher's net/http.Client-with-timeout idiom from
// internal/portainer/internal/registry.
var defaultHTTPClient = &http.Client{Timeout: 15 * time.Second}
