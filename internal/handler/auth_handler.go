// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/evergreen/internal/auth"
	"github.com/hitoshi/evergreen/internal/middleware"
	"github.com/hitoshi/evergreen/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStatePath   = "/employees/auth/google"
	oauthStateMaxAge = 600 // 10分
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*auth.FederatedClaims, error)
	Login(ctx context.Context, attempt auth.LoginAttempt, currentSessionID string) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	CurrentEmployee(ctx context.Context, session *model.Session) (*model.Employee, error)
}

// SessionIssuer は匿名セッションの発行とCookie生成のインターフェース。
type SessionIssuer interface {
	CreateAnonymous(ctx context.Context) (*model.Session, error)
	Cookie(session *model.Session) *http.Cookie
	ClearCookie() *http.Cookie
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	LandingURL      string // ログイン成功後のリダイレクト先
	LoginFailureURL string // フェデレーションログイン失敗時のリダイレクト先
	CookieSecure    bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionIssuer
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionIssuer, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		config:   config,
	}
}

// Form はCSRFトークンを発行する。セッションが無ければ匿名セッションを作成する。
// GET /form
func (h *AuthHandler) Form(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if session == nil {
		created, err := h.sessions.CreateAnonymous(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		session = created
		http.SetCookie(w, h.sessions.Cookie(session))
	}

	token, err := auth.IssueCSRFToken(session.CSRFSecret)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

type loginRequest struct {
	EmployeeEmail string `json:"employeeEmail"`
	Password      string `json:"password"`
}

// Login はメールアドレスとパスワードでログインする。
// POST /employees/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, invalidBodyError())
		return
	}

	result, err := h.service.Login(r.Context(), auth.LoginAttempt{
		Kind:     auth.LoginLocal,
		Email:    req.EmployeeEmail,
		Password: req.Password,
	}, currentSessionID(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	http.SetCookie(w, h.sessions.Cookie(result.Session))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Login successful",
		"role":    string(result.Employee.Role),
	})
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /employees/auth/google
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）。IdPからのトップレベル遷移で送られるようLaxにする
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     oauthStatePath,
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理する。
// 失敗時はセッションを作成せずLoginFailureURLへリダイレクトする。
// GET /employees/auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// 1. stateの検証（CSRF対策）。検証後はCookieを削除する
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	h.clearStateCookie(w)

	if providerErr := query.Get("error"); providerErr != "" {
		slog.Warn("federated login denied by provider", slog.String("error", providerErr))
		h.redirectFailure(w, r)
		return
	}
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch")
		h.redirectFailure(w, r)
		return
	}

	// 2. 認可コードの取得
	code := query.Get("code")
	if code == "" {
		slog.Warn("oauth callback without authorization code")
		h.redirectFailure(w, r)
		return
	}

	// 3. 認可コードを本人情報に交換
	claims, err := h.service.ExchangeCode(r.Context(), code)
	if err != nil {
		slog.Error("oauth code exchange failed", slog.String("error", err.Error()))
		h.redirectFailure(w, r)
		return
	}

	// 4. 従業員の特定・作成とセッション発行
	result, err := h.service.Login(r.Context(), auth.LoginAttempt{
		Kind:   auth.LoginFederated,
		Claims: claims,
	}, currentSessionID(r))
	if err != nil {
		if errors.Is(err, auth.ErrUnverifiedEmail) {
			slog.Warn("federated login rejected", slog.String("reason", "email not verified"))
		} else if errors.Is(err, auth.ErrGoogleAccountConflict) {
			slog.Warn("federated login rejected", slog.String("reason", "google account conflict"))
		} else {
			slog.Error("federated login failed", slog.String("error", err.Error()))
		}
		h.redirectFailure(w, r)
		return
	}

	http.SetCookie(w, h.sessions.Cookie(result.Session))
	http.Redirect(w, r, h.config.LandingURL, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。
// POST /employees/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if id := currentSessionID(r); id != "" {
		if err := h.service.Logout(r.Context(), id); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, h.sessions.ClearCookie())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// Me は現在のログイン従業員の情報を返す。
// GET /employees/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	employee, err := h.service.CurrentEmployee(r.Context(), middleware.SessionFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeResponse(employee))
}

func (h *AuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     oauthStatePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) redirectFailure(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.config.LoginFailureURL, http.StatusTemporaryRedirect)
}

// currentSessionID はコンテキストのセッションIDを返す。無ければ空文字。
func currentSessionID(r *http.Request) string {
	if session := middleware.SessionFromContext(r.Context()); session != nil {
		return session.ID
	}
	return ""
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
