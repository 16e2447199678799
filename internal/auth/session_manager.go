package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/evergreen/internal/model"
	"github.com/hitoshi/evergreen/internal/repository"
)

// SessionCookieName はセッションCookieの名前。
const SessionCookieName = "sid"

// SessionConfig はセッション管理の設定。
type SessionConfig struct {
	MaxAge       time.Duration // 作成からの絶対的な有効期間
	IdleTimeout  time.Duration // 無操作で失効するまでの時間
	CookieSecure bool
	CookieDomain string
}

// SessionManager はセッションの発行・読み込み・延長・破棄を担う。
type SessionManager struct {
	repo   repository.SessionRepository
	signer *CookieSigner
	config SessionConfig
	now    func() time.Time
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(repo repository.SessionRepository, signer *CookieSigner, config SessionConfig) *SessionManager {
	if config.IdleTimeout <= 0 || config.IdleTimeout > config.MaxAge {
		config.IdleTimeout = config.MaxAge
	}
	return &SessionManager{repo: repo, signer: signer, config: config, now: time.Now}
}

// Load はCookie値からセッションを読み込む。
// 署名不正・存在しない・期限切れの場合はnilを返す。
// 有効期限の残りがアイドルタイムアウトの半分を下回った場合は期限を延長する。
func (m *SessionManager) Load(ctx context.Context, cookieValue string) (*model.Session, error) {
	if cookieValue == "" {
		return nil, nil
	}
	id, ok := m.signer.Verify(cookieValue)
	if !ok {
		return nil, nil
	}

	session, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	now := m.now()
	if !session.ExpiresAt.After(now) {
		return nil, nil
	}

	if session.ExpiresAt.Sub(now) < m.config.IdleTimeout/2 {
		next := m.expiry(session.CreatedAt, now)
		if next.After(session.ExpiresAt) {
			if err := m.repo.Touch(ctx, session.ID, next); err != nil {
				// 延長失敗はリクエストを失敗させない
				slog.Warn("failed to extend session", slog.String("error", err.Error()))
			} else {
				session.ExpiresAt = next
			}
		}
	}

	return session, nil
}

// CreateAnonymous は従業員に紐付かないセッションを作成する。
func (m *SessionManager) CreateAnonymous(ctx context.Context) (*model.Session, error) {
	return m.create(ctx, "")
}

// Establish は従業員に紐付く新しいセッションを発行し、以前のセッションを破棄する。
// ログイン前後でセッションIDとCSRFシークレットを必ず入れ替える。
func (m *SessionManager) Establish(ctx context.Context, employeeID, previousID string) (*model.Session, error) {
	if employeeID == "" {
		return nil, fmt.Errorf("employee ID is required")
	}
	session, err := m.create(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if previousID != "" && previousID != session.ID {
		if err := m.repo.DeleteByID(ctx, previousID); err != nil {
			slog.Warn("failed to delete previous session", slog.String("error", err.Error()))
		}
	}
	return session, nil
}

// Destroy はセッションを破棄する。
func (m *SessionManager) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := m.repo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DestroyAllForEmployee は従業員の全セッションを破棄する。
func (m *SessionManager) DestroyAllForEmployee(ctx context.Context, employeeID string) error {
	if err := m.repo.DeleteByEmployeeID(ctx, employeeID); err != nil {
		return fmt.Errorf("failed to delete employee sessions: %w", err)
	}
	return nil
}

// Cookie はセッションCookieを生成する。
func (m *SessionManager) Cookie(session *model.Session) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    m.signer.Sign(session.ID),
		Path:     "/",
		Domain:   m.config.CookieDomain,
		MaxAge:   int(m.config.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearCookie はセッションCookieを削除するCookieを生成する。
func (m *SessionManager) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (m *SessionManager) create(ctx context.Context, employeeID string) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	secret, err := NewCSRFSecret()
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &model.Session{
		ID:         id,
		EmployeeID: employeeID,
		CSRFSecret: secret,
		CreatedAt:  now,
		ExpiresAt:  m.expiry(now, now),
	}
	if err := m.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return session, nil
}

// expiry はアイドル期限と絶対期限のうち早い方を返す。
func (m *SessionManager) expiry(createdAt, now time.Time) time.Time {
	idle := now.Add(m.config.IdleTimeout)
	absolute := createdAt.Add(m.config.MaxAge)
	if idle.After(absolute) {
		return absolute
	}
	return idle
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
