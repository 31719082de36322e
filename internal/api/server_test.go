package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FinAssist/internal/agent"
	"FinAssist/internal/auth"
	"FinAssist/internal/capability"
	xerrors "FinAssist/internal/errors"
	"FinAssist/internal/model"
	"FinAssist/internal/observability/metrics"
	"FinAssist/pkg/logger"
)

type stubService struct {
	reply    *agent.Reply
	err      error
	sessions map[string]*model.Session
	ended    []string
	last     agent.Request
}

func (s *stubService) Handle(_ context.Context, req agent.Request) (*agent.Reply, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return s.reply, nil
}

func (s *stubService) History(_ context.Context, id string) (*model.Session, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在")
}

func (s *stubService) EndSession(_ context.Context, id string) error {
	if _, ok := s.sessions[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "会话不存在")
	}
	delete(s.sessions, id)
	s.ended = append(s.ended, id)
	return nil
}

func newTestServer(svc Service) (*Server, *metrics.Metrics) {
	m := metrics.New()
	return NewServer(":0", svc, WithMetrics(m), WithLogger(logger.Discard())), m
}

func decodeError(t *testing.T, body io.Reader) errorBody {
	t.Helper()
	var got errorBody
	if err := json.NewDecoder(body).Decode(&got); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return got
}

func TestHandleChatSuccess(t *testing.T) {
	svc := &stubService{reply: &agent.Reply{SessionID: "s1", TurnID: "t1", Intent: model.IntentLiveData, Answer: "ok"}}
	server, _ := newTestServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"session_id":"s1","query":"贵州茅台的股价是多少？"}`))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if svc.last.UserID != "u1" || svc.last.SessionID != "s1" || svc.last.Query != "贵州茅台的股价是多少？" {
		t.Fatalf("request not forwarded: %+v", svc.last)
	}
	var got agent.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.TurnID != "t1" || got.Answer != "ok" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestHandleChatErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   xerrors.Code
	}{
		{"malformed body", `{"query":`, nil, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unknown field", `{"query":"hi","goal":"x"}`, nil, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"invalid argument", `{"query":""}`, xerrors.New(xerrors.CodeInvalidArgument, "查询内容不能为空"), http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"persistence failure", `{"user_id":"u1","query":"hi"}`, xerrors.Wrap(xerrors.CodePersistenceFailure, errors.New("redis down"), "保存会话失败"), http.StatusServiceUnavailable, xerrors.CodePersistenceFailure},
		{"plain error", `{"user_id":"u1","query":"hi"}`, errors.New("boom"), http.StatusInternalServerError, xerrors.CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, _ := newTestServer(&stubService{err: tc.err})
			rec := httptest.NewRecorder()
			server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(tc.body)))

			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			if got := decodeError(t, rec.Body); got.Error.Code != string(tc.code) {
				t.Fatalf("expected code %s, got %+v", tc.code, got)
			}
		})
	}
}

func TestSessionRoutes(t *testing.T) {
	sess := model.NewSession("s1", "u1", time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC))
	svc := &stubService{sessions: map[string]*model.Session{"s1": sess}}
	server, _ := newTestServer(svc)
	router := server.Router()

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got model.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.SessionID != "s1" {
			t.Fatalf("unexpected session: %+v %v", got, err)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/sessions/s1", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/s1", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if len(svc.ended) != 1 || svc.ended[0] != "s1" {
			t.Fatalf("session not ended: %v", svc.ended)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if got := decodeError(t, rec.Body); got.Error.Code != string(xerrors.CodeNotFound) {
			t.Fatalf("unexpected error body: %+v", got)
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	server, _ := newTestServer(&stubService{})
	router := server.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `finassist_http_requests_total{code="200",handler="/healthz",method="GET"} 1`) {
		t.Fatalf("http metrics not recorded:\n%s", body)
	}
}

func TestChatEndToEnd(t *testing.T) {
	co := agent.New(capability.NewRegistry(capability.WithLogger(logger.Discard())),
		agent.WithLogger(logger.Discard()), agent.WithAuditLogger(logger.Discard()))
	server, _ := newTestServer(co)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/chat", "application/json", strings.NewReader(`{"user_id":"u1","session_id":"s1","query":"你好"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var reply agent.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Intent != model.IntentChitChat || reply.Failed || reply.Answer == "" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	getResp, err := http.Get(ts.URL + "/api/v1/sessions/s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	var sess model.Session
	if err := json.NewDecoder(getResp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if len(sess.Turns) != 1 || sess.Turns[0].TurnID != reply.TurnID {
		t.Fatalf("turn not stored: %+v", sess.Turns)
	}
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.Key{
			{Name: "u1", UserID: "u1", Key: "k1"},
			{Name: "reader", UserID: "u2", Key: "k2", Permissions: []string{auth.PermissionSessionsRead}},
		},
	}, auth.WithAuditLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	svc := &stubService{
		reply:    &agent.Reply{SessionID: "s1", Answer: "ok"},
		sessions: map[string]*model.Session{"s1": model.NewSession("s1", "u1", time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC))},
	}
	server := NewServer(":0", svc, WithAuth(authSvc), WithLogger(logger.Discard()))
	router := server.Router()

	do := func(method, path, key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(http.MethodPost, "/api/v1/chat", "", `{"query":"hi"}`); rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge, got %d", rec.Code)
	}
	if rec := do(http.MethodPost, "/api/v1/chat", "k1", `{"query":"hi"}`); rec.Code != http.StatusOK || svc.last.UserID != "u1" {
		t.Fatalf("expected chat as u1, got %d %+v", rec.Code, svc.last)
	}
	if rec := do(http.MethodPost, "/api/v1/chat", "k1", `{"user_id":"u9","query":"hi"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("expected impersonation to be rejected, got %d", rec.Code)
	}
	if rec := do(http.MethodPost, "/api/v1/chat", "k2", `{"query":"hi"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("reader must not chat, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/api/v1/sessions/s1", "k2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign session should be hidden, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/api/v1/sessions/s1", "k1", ""); rec.Code != http.StatusOK {
		t.Fatalf("owner should read session, got %d", rec.Code)
	}
	if rec := do(http.MethodDelete, "/api/v1/sessions/s1", "k1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("owner should end session, got %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
}

func TestChatForeignSessionIsNotFound(t *testing.T) {
	co := agent.New(capability.NewRegistry(capability.WithLogger(logger.Discard())),
		agent.WithLogger(logger.Discard()), agent.WithAuditLogger(logger.Discard()))
	server, _ := newTestServer(co)
	router := server.Router()

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body)))
		return rec
	}

	if rec := post(`{"user_id":"alice","session_id":"s1","query":"你好"}`); rec.Code != http.StatusOK {
		t.Fatalf("owner chat: unexpected status %d", rec.Code)
	}
	rec := post(`{"user_id":"mallory","session_id":"s1","query":"你好"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign session: expected 404, got %d", rec.Code)
	}
	if got := decodeError(t, rec.Body); got.Error.Code != string(xerrors.CodeNotFound) {
		t.Fatalf("unexpected error body %+v", got)
	}
}
