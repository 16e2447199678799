package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/evergreen/internal/auth"
	"github.com/hitoshi/evergreen/internal/metrics"
	"github.com/hitoshi/evergreen/internal/model"
)

// --- テスト用ヘルパー ---

// stubLoader はCookie値をキーにセッションを返すSessionLoader。
type stubLoader struct {
	loadFn func(ctx context.Context, cookieValue string) (*model.Session, error)
}

func (s *stubLoader) Load(ctx context.Context, cookieValue string) (*model.Session, error) {
	if s.loadFn != nil {
		return s.loadFn(ctx, cookieValue)
	}
	return nil, nil
}

// sessionsByCookie は固定のセッション表から引くstubLoaderを返す。
func sessionsByCookie(sessions map[string]*model.Session) *stubLoader {
	return &stubLoader{loadFn: func(ctx context.Context, cookieValue string) (*model.Session, error) {
		return sessions[cookieValue], nil
	}}
}

// newTestSession はCSRFシークレット付きのセッションを生成する。
func newTestSession(t *testing.T, id, employeeID string) *model.Session {
	t.Helper()
	secret, err := auth.NewCSRFSecret()
	if err != nil {
		t.Fatalf("failed to create CSRF secret: %v", err)
	}
	now := time.Now()
	return &model.Session{
		ID:         id,
		EmployeeID: employeeID,
		CSRFSecret: secret,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func issueToken(t *testing.T, session *model.Session) string {
	t.Helper()
	token, err := auth.IssueCSRFToken(session.CSRFSecret)
	if err != nil {
		t.Fatalf("failed to issue CSRF token: %v", err)
	}
	return token
}

// countingRecorder は呼び出し回数を数えるmetrics.Recorder。
type countingRecorder struct {
	metrics.Nop
	mu               sync.Mutex
	csrfRejections   int
	originRejections int
	rateLimited      map[string]int
	statuses         []int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{rateLimited: make(map[string]int)}
}

func (c *countingRecorder) RecordCSRFRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csrfRejections++
}

func (c *countingRecorder) RecordOriginRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.originRejections++
}

func (c *countingRecorder) RecordRateLimited(limiter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimited[limiter]++
}

func (c *countingRecorder) RecordHTTPStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, code)
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- テスト ---

// TestSessionMiddleware_InjectsSession は有効なCookieのセッションがコンテキストに注入されることを検証する。
func TestSessionMiddleware_InjectsSession(t *testing.T) {
	session := newTestSession(t, "s-1", "emp-1")
	mw := NewSessionMiddleware(sessionsByCookie(map[string]*model.Session{"signed-s-1": session}))

	var got *model.Session
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/machines", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "signed-s-1"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got != session {
		t.Errorf("session = %v, want %v", got, session)
	}
}

// TestSessionMiddleware_PassesThroughWithoutSession はセッションが無くても後段に判定を委ねることを検証する。
func TestSessionMiddleware_PassesThroughWithoutSession(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
	}{
		{name: "Cookie無し", cookie: ""},
		{name: "未知のセッション", cookie: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewSessionMiddleware(sessionsByCookie(nil))

			called := false
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				if SessionFromContext(r.Context()) != nil {
					t.Error("expected no session in context")
				}
			}))

			req := httptest.NewRequest(http.MethodGet, "/form", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: tt.cookie})
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if !called {
				t.Error("handler should have been called")
			}
		})
	}
}

// TestSessionMiddleware_StoreError はセッションストア障害時に500を返すことを検証する。
func TestSessionMiddleware_StoreError(t *testing.T) {
	loader := &stubLoader{loadFn: func(ctx context.Context, cookieValue string) (*model.Session, error) {
		return nil, errors.New("connection refused")
	}}
	handler := NewSessionMiddleware(loader)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/machines", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "x"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
}

// TestRequireEmployeeMiddleware は従業員に紐付かないリクエストが401になることを検証する。
func TestRequireEmployeeMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		session    *model.Session
		wantStatus int
	}{
		{name: "認証済みセッション", session: &model.Session{ID: "s", EmployeeID: "emp-1"}, wantStatus: http.StatusOK},
		{name: "匿名セッション", session: &model.Session{ID: "s"}, wantStatus: http.StatusUnauthorized},
		{name: "セッション無し", session: nil, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRequireEmployeeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/employees/me", nil)
			if tt.session != nil {
				req = req.WithContext(ContextWithSession(req.Context(), tt.session))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if body := decodeErrorBody(t, w); body.Code != model.ErrCodeUnauthorized {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
				}
			}
		})
	}
}

func TestEmployeeIDFromContext(t *testing.T) {
	if _, ok := EmployeeIDFromContext(context.Background()); ok {
		t.Error("expected no employee ID in empty context")
	}

	ctx := ContextWithSession(context.Background(), &model.Session{ID: "s"})
	if _, ok := EmployeeIDFromContext(ctx); ok {
		t.Error("anonymous session must not yield an employee ID")
	}

	ctx = ContextWithSession(context.Background(), &model.Session{ID: "s", EmployeeID: "emp-9"})
	id, ok := EmployeeIDFromContext(ctx)
	if !ok || id != "emp-9" {
		t.Errorf("EmployeeIDFromContext = (%q, %v), want (emp-9, true)", id, ok)
	}
}
