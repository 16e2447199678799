package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/evergreen/internal/metrics"
	"github.com/hitoshi/evergreen/internal/middleware"
)

// Middleware はchiのミドルウェア関数。
type Middleware = func(next http.Handler) http.Handler

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ゲート
	RateLimit     Middleware // 固定ウィンドウのレート制限
	Origin        Middleware // オリジン許可リスト・CORS
	LoginThrottle Middleware // ログイン専用のトークンバケット（任意）
	SessionLoader middleware.SessionLoader
	Recorder      metrics.Recorder

	// 共通ミドルウェア（任意）
	Common []Middleware

	// 認証
	AuthService AuthServiceInterface
	Sessions    SessionIssuer
	AuthConfig  AuthHandlerConfig

	// 一時パスワード生成（nilの場合はpassword.Generate）
	GeneratePassword PasswordGenerator

	// 従業員・機械
	EmployeeService EmployeeServiceInterface
	MachineService  MachineServiceInterface

	// アップロード画像の配信元（空の場合は/uploadsを公開しない）
	UploadDir string

	// 運用
	DB      Pinger
	Metrics http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// 保護ルートのミドルウェア実行順序:
//
//	RateLimit → Origin → Session → CSRF → RequireEmployee
//
// 各段階は失敗時にそこで応答し、後段は実行しない。
// /health と /metrics はゲートの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()
	for _, mw := range deps.Common {
		r.Use(mw)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.AuthConfig)
	passwordHandler := NewPasswordHandler(deps.GeneratePassword)
	employeeHandler := NewEmployeeHandler(deps.EmployeeService)
	machineHandler := NewMachineHandler(deps.MachineService)

	session := middleware.NewSessionMiddleware(deps.SessionLoader)
	csrf := middleware.NewCSRFMiddleware(deps.Recorder)
	requireEmployee := middleware.NewRequireEmployeeMiddleware()

	// --- ゲート外 ---
	r.Get("/health", Health(deps.DB))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(orNoop(deps.RateLimit))
		r.Use(orNoop(deps.Origin))
		r.Use(session)

		// プリフライトはOriginミドルウェア（rs/cors）が応答する。ルートが無いと405になるため受け口を用意する
		r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		// --- CSRFトークン不要: トークン発行とフェデレーションログイン ---
		r.Get("/form", authHandler.Form)
		r.Get("/employees/auth/google", authHandler.GoogleLogin)
		r.Get("/employees/auth/google/callback", authHandler.GoogleCallback)

		// --- CSRFトークン必須・ログイン不要 ---
		r.Group(func(r chi.Router) {
			r.Use(csrf)

			r.With(orNoop(deps.LoginThrottle)).Post("/employees/login", authHandler.Login)
			r.Post("/generate_password", passwordHandler.Generate)
			r.Post("/employees/logout", authHandler.Logout)
		})

		// --- CSRFトークン・ログイン必須 ---
		r.Group(func(r chi.Router) {
			r.Use(csrf)
			r.Use(requireEmployee)

			r.Get("/employees/me", authHandler.Me)

			r.Post("/employees", employeeHandler.Create)
			r.Get("/employees", employeeHandler.List)
			r.Post("/employees/send_email", employeeHandler.SendEmail)
			r.Get("/employees/{id}", employeeHandler.Get)
			r.Put("/employees/{id}", employeeHandler.Update)
			r.Delete("/employees/{id}", employeeHandler.Delete)

			r.Get("/machines", machineHandler.List)
			r.Post("/machines", machineHandler.Create)

			if deps.UploadDir != "" {
				r.Handle("/uploads/*", http.StripPrefix("/uploads/", uploadsFileServer(deps.UploadDir)))
			}
		})
	})

	return r
}

// uploadsFileServer はディレクトリ一覧を返さないファイルサーバー。
func uploadsFileServer(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || r.URL.Path[len(r.URL.Path)-1] == '/' {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	})
}

func orNoop(mw Middleware) Middleware {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}
