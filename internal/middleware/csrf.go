package middleware

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/evergreen/internal/auth"
	"github.com/hitoshi/evergreen/internal/metrics"
	"github.com/hitoshi/evergreen/internal/model"
)

const (
	// CSRFHeaderName はCSRFトークンを読み取るリクエストヘッダー名。
	CSRFHeaderName = "CSRF-Token"

	// csrfHeaderAlias は互換のため受け付ける別名ヘッダー。
	csrfHeaderAlias = "X-CSRF-Token"
)

// NewCSRFMiddleware はセッションに紐付いたCSRFトークンを検証するミドルウェアを返す。
// セッションミドルウェアの後に配置する。
// マウントされたルートではHTTPメソッドによる除外はない。
// セッション無し・トークン無し・不一致はいずれも403を返し、後段のハンドラーは実行しない。
func NewCSRFMiddleware(recorder metrics.Recorder) func(next http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reason := ""
			session := SessionFromContext(r.Context())
			token := csrfTokenFromRequest(r)

			switch {
			case session == nil:
				reason = "missing session"
			case token == "":
				reason = "missing header token"
			case !auth.VerifyCSRFToken(session.CSRFSecret, token):
				reason = "token mismatch"
			}

			if reason != "" {
				slog.Warn("CSRF validation failed: "+reason,
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				recorder.RecordCSRFRejection()
				WriteAPIError(w, model.NewCSRFMismatchError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// csrfTokenFromRequest はヘッダーからCSRFトークンを取り出す。
func csrfTokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(CSRFHeaderName); token != "" {
		return token
	}
	return r.Header.Get(csrfHeaderAlias)
}
