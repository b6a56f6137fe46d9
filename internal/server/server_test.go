package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/szaher/chatflow/internal/history"
	"github.com/szaher/chatflow/internal/idempotency"
	"github.com/szaher/chatflow/internal/knowledge"
	"github.com/szaher/chatflow/internal/llm"
	"github.com/szaher/chatflow/internal/lock"
	"github.com/szaher/chatflow/internal/pipeline"
	"github.com/szaher/chatflow/internal/policy"
	"github.com/szaher/chatflow/internal/session"
	"github.com/szaher/chatflow/internal/understanding"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, session.Store) {
	t.Helper()

	know := knowledge.NewMemoryStore()
	know.PutPersona(&knowledge.Persona{AccountID: "acc1", Name: "Dana", Language: "he"})
	know.PutBrands("acc1", []knowledge.Brand{
		{ID: "b1", AccountID: "acc1", Name: "GlowSkin", CouponCode: "GLOW20", Active: true},
	})

	engine, err := policy.NewEngine(policy.DefaultRules(), nil, nil)
	if err != nil {
		t.Fatalf("NewEngine returned unexpected error: %v", err)
	}

	sessions := session.NewMemoryStore(0)
	p, err := pipeline.New(pipeline.Deps{
		Gate:        lock.NewMemoryGate(30 * time.Second),
		Idempotency: idempotency.NewMemoryStore(),
		Sessions:    sessions,
		History:     history.NewMemoryStore(),
		Knowledge:   know,
		Analyzer:    understanding.HeuristicAnalyzer{},
		Policy:      engine,
		Model: llm.NewMockClient(llm.MockResponse{
			Content:    "בטח, יש קופון בשבילך",
			StopReason: llm.StopEndTurn,
			Usage:      llm.TokenUsage{InputTokens: 80, OutputTokens: 12},
			ChunkSize:  6,
		}),
	}, pipeline.Options{})
	if err != nil {
		t.Fatalf("pipeline.New returned unexpected error: %v", err)
	}

	return NewServer(p, sessions, opts...), sessions
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("healthz body is not JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestCreateSession(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv.Handler(), "/v1/sessions", map[string]string{"accountId": "acc1"}, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var sess session.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.ID == "" || sess.AccountID != "acc1" {
		t.Errorf("session = %+v", sess)
	}
}

func TestCreateSessionRequiresAccount(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv.Handler(), "/v1/sessions", map[string]string{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestChatStreamNDJSON(t *testing.T) {
	srv, sessions := newTestServer(t)
	sess, err := sessions.Create(context.Background(), "acc1", "user1")
	if err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}

	w := postJSON(t, srv.Handler(), "/v1/chat/stream", map[string]string{
		"accountId": "acc1",
		"sessionId": sess.ID,
		"message":   "יש לך קופונים?",
	}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	var types []string
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", sc.Text(), err)
		}
		types = append(types, env.Type)
	}
	if len(types) < 3 || types[0] != "meta" || types[len(types)-1] != "done" {
		t.Fatalf("event types = %v", types)
	}
}

func TestChatStreamUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv.Handler(), "/v1/chat/stream", map[string]string{
		"accountId": "acc1",
		"sessionId": "sess_nope",
		"message":   "שלום",
	}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, stream errors ride the body", w.Code)
	}
	var env struct {
		Type string `json:"type"`
		Err  struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	line := strings.TrimSpace(w.Body.String())
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if env.Type != "error" || env.Err.Code != "VALIDATION_ERROR" {
		t.Errorf("event = %+v", env)
	}
}

func TestChatStreamBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDeleteSessionRequiresOwner(t *testing.T) {
	srv, sessions := newTestServer(t, WithOwnerKey("secret-key"))
	sess, err := sessions.Create(context.Background(), "acc1", "user1")
	if err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sess.ID, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous delete status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sess.ID, nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("owner delete status = %d, want 204", w.Code)
	}

	if _, err := sessions.Get(context.Background(), sess.ID); err == nil {
		t.Error("session still resolvable after delete")
	}
}

func TestSecurityResolution(t *testing.T) {
	srv, _ := newTestServer(t, WithOwnerKey("secret-key"))

	cases := []struct {
		name        string
		headers     map[string]string
		wantChannel policy.Channel
		wantOwner   bool
	}{
		{"anonymous", nil, policy.ChannelPublicChat, false},
		{"owner bearer", map[string]string{"Authorization": "Bearer secret-key"}, policy.ChannelDashboard, true},
		{"owner api key", map[string]string{"X-API-Key": "secret-key"}, policy.ChannelDashboard, true},
		{"owner api channel", map[string]string{"X-API-Key": "secret-key", "X-Channel": "api"}, policy.ChannelAPI, true},
		{"wrong key stays public", map[string]string{"X-API-Key": "nope"}, policy.ChannelPublicChat, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			sec := srv.resolveSecurity(req)
			if sec.Channel != tc.wantChannel {
				t.Errorf("channel = %q, want %q", sec.Channel, tc.wantChannel)
			}
			if sec.Auth.Owner != tc.wantOwner {
				t.Errorf("owner = %v, want %v", sec.Auth.Owner, tc.wantOwner)
			}
			if sec.IPHash == "" {
				t.Error("ip hash empty")
			}
		})
	}
}
