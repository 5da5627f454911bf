package appservice

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestExtractReqIDFromSubject(t *testing.T) {
	cases := []struct {
		subject string
		want    string
		wantErr bool
	}{
		{"app_services.gateway.hash.8080.r1.req", "r1", false},
		{"app_services.gateway.hash.8080.r1.data", "r1", false},
		{"too.few.parts", "", true},
	}
	for _, tc := range cases {
		got, err := ExtractReqIDFromSubject(tc.subject)
		if tc.wantErr {
			if !errors.Is(err, ErrReqIDParse) {
				t.Errorf("ExtractReqIDFromSubject(%q) error = %v, want ErrReqIDParse", tc.subject, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ExtractReqIDFromSubject(%q) error = %v", tc.subject, err)
		}
		if got != tc.want {
			t.Errorf("ExtractReqIDFromSubject(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}

func TestExtractAckSubjectMissing(t *testing.T) {
	_, err := ExtractAckSubject(map[string]string{"Content-Type": "application/json"})
	if !errors.Is(err, ErrAckHeaderNotFound) {
		t.Errorf("ExtractAckSubject() error = %v, want ErrAckHeaderNotFound", err)
	}
}

func TestExtractAckSubjectCaseInsensitive(t *testing.T) {
	got, err := ExtractAckSubject(map[string]string{"ack-to": "ack.r1"})
	if err != nil {
		t.Fatalf("ExtractAckSubject() error = %v", err)
	}
	if got != "ack.r1" {
		t.Errorf("ExtractAckSubject() = %q, want %q", got, "ack.r1")
	}
}

func localServer(t *testing.T, handler http.HandlerFunc) (port string, close func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	return u.Port(), srv.Close
}

func TestHandleEnvelopeImmediateDispatchWhenNoBody(t *testing.T) {
	port, closeSrv := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hi" {
			t.Errorf("request path = %q, want /hi", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	defer closeSrv()

	reqMap := NewRequestMap()
	payload, _ := json.Marshal(IncomingHTTPRequest{
		URI: "/hi", Method: "GET", ReqID: "r1", Headers: map[string]string{},
	})

	_, resp, err := HandleEnvelope(reqMap, payload, port)
	if err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}
	if resp == nil {
		t.Fatal("HandleEnvelope() returned nil response for zero content-length request")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("response body = %q, want %q", body, "ok")
	}

	if _, ok := reqMap.get("r1"); ok {
		t.Error("expected request state to be removed after dispatch")
	}
}

func TestHandleEnvelopeDefersDispatchWhenContentLengthPositive(t *testing.T) {
	reqMap := NewRequestMap()
	payload, _ := json.Marshal(IncomingHTTPRequest{
		URI: "/echo", Method: "POST", ReqID: "r2",
		Headers: map[string]string{"content-length": "10"},
	})

	_, resp, err := HandleEnvelope(reqMap, payload, "0")
	if err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}
	if resp != nil {
		t.Error("HandleEnvelope() should defer dispatch until body is fully assembled")
	}

	if _, ok := reqMap.get("r2"); !ok {
		t.Error("expected request state to remain pending in the map")
	}
}

func TestHandleDataChunkAssemblesAndDispatches(t *testing.T) {
	var gotBody []byte
	port, closeSrv := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	defer closeSrv()

	reqMap := NewRequestMap()
	payload, _ := json.Marshal(IncomingHTTPRequest{
		URI: "/echo", Method: "POST", ReqID: "r3",
		Headers: map[string]string{"content-length": "10"},
	})
	if _, _, err := HandleEnvelope(reqMap, payload, port); err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}

	subj := "app_services.gateway.hash.8080.r3.data"
	if _, resp, err := HandleDataChunk(reqMap, subj, []byte("abcd"), port); err != nil || resp != nil {
		t.Fatalf("HandleDataChunk() partial chunk resp=%v err=%v, want nil,nil", resp, err)
	}
	if _, resp, err := HandleDataChunk(reqMap, subj, []byte("efgh"), port); err != nil || resp != nil {
		t.Fatalf("HandleDataChunk() partial chunk resp=%v err=%v, want nil,nil", resp, err)
	}

	_, resp, err := HandleDataChunk(reqMap, subj, []byte("ij"), port)
	if err != nil {
		t.Fatalf("HandleDataChunk() final chunk error = %v", err)
	}
	if resp == nil {
		t.Fatal("expected dispatch once buffer equals content-length")
	}
	resp.Body.Close()

	if string(gotBody) != "abcdefghij" {
		t.Errorf("dispatched body = %q, want %q", gotBody, "abcdefghij")
	}
	if _, ok := reqMap.get("r3"); ok {
		t.Error("expected request state to be removed after dispatch")
	}
}

func TestHandleDataChunkDropsUnknownReqID(t *testing.T) {
	reqMap := NewRequestMap()
	subj := "app_services.gateway.hash.8080.unknown.data"
	_, resp, err := HandleDataChunk(reqMap, subj, []byte("x"), "0")
	if err != nil {
		t.Errorf("HandleDataChunk() error = %v, want nil for unknown req_id (silently dropped)", err)
	}
	if resp != nil {
		t.Error("HandleDataChunk() should not dispatch for unknown req_id")
	}
}

func TestHandleDataChunkOversizedBodyIsDropped(t *testing.T) {
	reqMap := NewRequestMap()
	payload, _ := json.Marshal(IncomingHTTPRequest{
		URI: "/echo", Method: "POST", ReqID: "r4",
		Headers: map[string]string{"content-length": "4"},
	})
	if _, _, err := HandleEnvelope(reqMap, payload, "0"); err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}

	subj := "app_services.gateway.hash.8080.r4.data"
	_, resp, err := HandleDataChunk(reqMap, subj, []byte("toolong"), "0")
	if !errors.Is(err, ErrOversizedBody) {
		t.Errorf("HandleDataChunk() error = %v, want ErrOversizedBody", err)
	}
	if resp != nil {
		t.Error("HandleDataChunk() should not dispatch an oversized request")
	}
	if _, ok := reqMap.get("r4"); ok {
		t.Error("expected oversized request state to be removed from the map")
	}
}

func TestEncodeResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("hello")),
	}

	raw, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	var decoded ResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal encoded response: %v", err)
	}
	if string(decoded.Body) != "hello" {
		t.Errorf("decoded body = %q, want %q", decoded.Body, "hello")
	}
	if decoded.Headers["Content-Type"] != "text/plain" {
		t.Errorf("decoded headers[Content-Type] = %q, want %q", decoded.Headers["Content-Type"], "text/plain")
	}
}
