package finassist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatSendsQueryAndUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-User-ID"); got != "u1" {
			t.Errorf("expected user header, got %q", got)
		}
		var body ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("unexpected body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Reply{SessionID: body.SessionID, TurnID: "t1", Intent: "live_data_query", Answer: "ok:" + body.Query})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithUserID("u1"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	reply, err := client.Chat(context.Background(), ChatRequest{SessionID: "s1", Query: "贵州茅台"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply.SessionID != "s1" || reply.TurnID != "t1" || reply.Answer != "ok:贵州茅台" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestChatRejectsEmptyQuery(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:0")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/missing" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(errorEnvelope{Error: APIError{Code: "NOT_FOUND", Message: "会话不存在"}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	_, err := client.Session(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != "NOT_FOUND" || apiErr.Message != "会话不存在" {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestEndSessionAndHealth(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/sessions/s1":
			deleted = "s1"
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/healthz":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("draining"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/", WithHTTPClient(srv.Client()))
	if err := client.EndSession(context.Background(), "s1"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if deleted != "s1" {
		t.Fatalf("delete not sent")
	}

	err := client.Health(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "draining" {
		t.Fatalf("unexpected health error: %#v", err)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient("  "); err == nil {
		t.Fatal("expected error")
	}
}

func TestAPIKeyIsSentAsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(errorEnvelope{Error: APIError{Code: "UNAUTHENTICATED", Message: "缺少 API Key"}})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	anonymous, _ := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if err := anonymous.Health(context.Background()); !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	client, _ := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithAPIKey("k1"))
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health with key: %v", err)
	}
}
