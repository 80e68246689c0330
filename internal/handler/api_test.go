package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/bus"
	"github.com/gatherhub/messaging-engine/internal/middleware"
	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/internal/service"
	"github.com/gatherhub/messaging-engine/internal/store"
	"github.com/gatherhub/messaging-engine/pkg/logger"
)

const testSecret = "test-secret"

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()

	nop := &logger.Logger{Logger: zap.NewNop()}
	st := store.NewMemoryStore(store.Config{})
	hub := bus.NewHub(16, nop)
	t.Cleanup(hub.Close)

	directory := service.NewDirectory(st, nop)
	messages := service.NewMessages(st, hub, nop)
	registry := service.NewRegistry(st)
	readState := service.NewReadState(st)
	session := service.NewSession(service.SessionConfig{
		SendMaxRetries:    1,
		SendRetryInterval: time.Millisecond,
	}, directory, messages, registry, readState, st, nop)

	conversations := NewConversationHandler(session, nop)
	msgs := NewMessageHandler(session, messages, registry, nop)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))

		r.Get("/conversations", conversations.List)
		r.Post("/conversations/direct", conversations.StartDirect)
		r.Post("/conversations/group", conversations.CreateGroup)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", conversations.Open)
			r.Post("/read", conversations.MarkRead)
			r.Get("/messages", msgs.List)
			r.Post("/messages", msgs.Send)
		})
		r.Get("/unread", conversations.Unread)
	})
	return r
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, router chi.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, userID))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/conversations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestDirectConversationFlow(t *testing.T) {
	router := newTestRouter(t)

	// Alice starts the conversation.
	rec := doRequest(t, router, http.MethodPost, "/api/v1/conversations/direct", "alice",
		&model.StartDirectRequest{OtherUserID: "bob"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	var started model.StartConversationResponse
	decode(t, rec, &started)
	if !started.Created || started.ConversationID == "" {
		t.Fatalf("unexpected start response: %+v", started)
	}

	// Bob resolving the same pair gets the same id, not a new row.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/conversations/direct", "bob",
		&model.StartDirectRequest{OtherUserID: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: status = %d, want 200", rec.Code)
	}
	var resolved model.StartConversationResponse
	decode(t, rec, &resolved)
	if resolved.Created || resolved.ConversationID != started.ConversationID {
		t.Fatalf("resolve must return the existing conversation: %+v", resolved)
	}

	convPath := "/api/v1/conversations/" + started.ConversationID

	rec = doRequest(t, router, http.MethodPost, convPath+"/messages", "alice",
		&model.SendMessageRequest{Content: "hello bob"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var sent model.SendMessageResponse
	decode(t, rec, &sent)
	if sent.Message == nil || sent.Message.SenderID != "alice" {
		t.Fatalf("unexpected send response: %+v", sent)
	}

	// An outsider cannot read the log.
	rec = doRequest(t, router, http.MethodGet, convPath+"/messages", "mallory", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider list: status = %d, want 403", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/unread", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unread: status = %d", rec.Code)
	}
	var unread model.UnreadResponse
	decode(t, rec, &unread)
	if unread.TotalUnread != 1 {
		t.Fatalf("bob unread = %d, want 1", unread.TotalUnread)
	}

	// Opening fetches the page and marks it read.
	rec = doRequest(t, router, http.MethodGet, convPath, "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open: status = %d", rec.Code)
	}
	var opened model.OpenConversationResponse
	decode(t, rec, &opened)
	if len(opened.Messages) != 1 || opened.Messages[0].Content != "hello bob" {
		t.Fatalf("unexpected open response: %+v", opened)
	}
	if len(opened.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(opened.Participants))
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/unread", "bob", nil)
	decode(t, rec, &unread)
	if unread.TotalUnread != 0 {
		t.Fatalf("bob unread after open = %d, want 0", unread.TotalUnread)
	}
}

func TestMarkReadEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/conversations/direct", "alice",
		&model.StartDirectRequest{OtherUserID: "bob"})
	var started model.StartConversationResponse
	decode(t, rec, &started)
	convPath := "/api/v1/conversations/" + started.ConversationID

	doRequest(t, router, http.MethodPost, convPath+"/messages", "alice",
		&model.SendMessageRequest{Content: "unread until marked"})

	// No body means "mark read as of now".
	rec = doRequest(t, router, http.MethodPost, convPath+"/read", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var marked model.MarkReadResponse
	decode(t, rec, &marked)
	if marked.LastReadAt.IsZero() {
		t.Fatalf("mark read must return the watermark")
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/unread", "bob", nil)
	var unread model.UnreadResponse
	decode(t, rec, &unread)
	if unread.TotalUnread != 0 {
		t.Fatalf("unread after mark = %d, want 0", unread.TotalUnread)
	}

	// A non-participant cannot move a watermark.
	rec = doRequest(t, router, http.MethodPost, convPath+"/read", "mallory", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outsider mark read: status = %d, want 403", rec.Code)
	}
}

func TestGroupEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/conversations/group", "alice",
		&model.CreateGroupRequest{DisplayName: "trip", MemberIDs: []string{"bob", "carol"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create group: status = %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodPost, "/api/v1/conversations/group", "alice",
		&model.CreateGroupRequest{DisplayName: "pair", MemberIDs: []string{"bob"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("two-member group: status = %d, want 400", rec.Code)
	}
}

func TestConversationPathValidation(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/conversations/not-a-uuid", "alice", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/conversations/"+uuid.NewString(), "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d, want 404", rec.Code)
	}
}
