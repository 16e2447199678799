// Package app はアプリケーションの初期化と起動モードごとのワイヤリングを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/evergreen/internal/auth"
	"github.com/hitoshi/evergreen/internal/config"
	"github.com/hitoshi/evergreen/internal/database"
	"github.com/hitoshi/evergreen/internal/employee"
	"github.com/hitoshi/evergreen/internal/handler"
	"github.com/hitoshi/evergreen/internal/logger"
	"github.com/hitoshi/evergreen/internal/machine"
	"github.com/hitoshi/evergreen/internal/mail"
	"github.com/hitoshi/evergreen/internal/metrics"
	"github.com/hitoshi/evergreen/internal/middleware"
	"github.com/hitoshi/evergreen/internal/password"
	"github.com/hitoshi/evergreen/internal/repository"
	"github.com/hitoshi/evergreen/internal/security"
	"github.com/hitoshi/evergreen/internal/storage"
	"github.com/hitoshi/evergreen/internal/worker/cleanup"
)

const (
	// pictureFetchTimeout はプロフィール画像取得のタイムアウト。
	pictureFetchTimeout = 10 * time.Second
	// rateLimitKeyPrefix はRedis上のレート制限カウンタのキー接頭辞。
	rateLimitKeyPrefix = "evergreen:ratelimit:"
	// shutdownTimeout はグレースフルシャットダウンの待機上限。
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseCommand(args, os.Stderr)
	if errors.Is(err, ErrHelpRequested) {
		return nil
	}
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if inv.Command == CommandHealthcheck {
		return runHealthcheck(inv.Port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(inv.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch inv.Command {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(ctx, db); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. Redis（任意）
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		slog.Info("redis connection established")
	}

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(registry)

	// 4. リポジトリの初期化
	employeeRepo := repository.NewPostgresEmployeeRepo(db)
	machineRepo := repository.NewPostgresMachineRepo(db)
	var sessionRepo repository.SessionRepository = repository.NewPostgresSessionRepo(db)
	if redisClient != nil {
		sessionRepo = repository.NewRedisSessionRepo(redisClient)
	}

	// 5. セキュリティ・ストレージ
	hasher, err := password.NewHasher(cfg.BcryptCost)
	if err != nil {
		return err
	}
	sanitizer := security.NewTextSanitizer()
	ssrfGuard := security.NewSSRFGuard(pictureFetchTimeout)
	images, err := storage.NewLocalImageStore(cfg.UploadDir)
	if err != nil {
		return err
	}
	pictures := storage.NewPictureImporter(ssrfGuard.Client(), ssrfGuard, images)

	mailer, err := newMailer(cfg)
	if err != nil {
		return err
	}

	// 6. ドメインサービスの初期化
	sessions := auth.NewSessionManager(sessionRepo, auth.NewCookieSigner(cfg.SessionSecret), auth.SessionConfig{
		MaxAge:       time.Duration(cfg.SessionMaxAge) * time.Second,
		IdleTimeout:  cfg.SessionIdleTimeout,
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	})
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(oauthProvider, employeeRepo, sessions, hasher, pictures, recorder)
	employeeService := employee.NewService(employeeRepo, sessions, hasher, sanitizer, images, mailer, cfg.LandingURL)
	machineService := machine.NewService(machineRepo, sanitizer)

	// 7. ゲートの構築
	var counter middleware.WindowCounter
	if redisClient != nil {
		counter = middleware.NewRedisWindowCounter(redisClient, rateLimitKeyPrefix)
	} else {
		memoryCounter := middleware.NewMemoryWindowCounter(time.Minute)
		defer memoryCounter.Stop()
		counter = memoryCounter
	}
	limiter := middleware.NewFixedWindowLimiter(middleware.FixedWindowConfig{
		Max:        cfg.RateLimitMax,
		Window:     cfg.RateLimitWindow,
		TrustProxy: cfg.TrustProxyHeader,
	}, counter, recorder)

	throttle := middleware.NewLoginThrottle(middleware.LoginThrottleConfig{
		PerMinute:  cfg.LoginRatePerMin,
		TrustProxy: cfg.TrustProxyHeader,
	}, recorder)
	defer throttle.Stop()

	origin, err := middleware.NewOriginMiddleware(middleware.OriginConfig{
		AllowedOrigins: allowedOrigins(cfg),
	}, recorder)
	if err != nil {
		return fmt.Errorf("invalid ALLOWED_ORIGINS: %w", err)
	}

	// 8. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Common: []handler.Middleware{
			middleware.NewLoggingMiddleware(slog.Default(), recorder),
			middleware.NewRecoveryMiddleware(),
			middleware.NewSecurityHeadersMiddleware(),
		},
		RateLimit:     limiter.Middleware(),
		Origin:        origin,
		LoginThrottle: throttle.Middleware(),
		SessionLoader: sessions,
		Recorder:      recorder,

		AuthService: authService,
		Sessions:    sessions,
		AuthConfig: handler.AuthHandlerConfig{
			LandingURL:      cfg.LandingURL,
			LoginFailureURL: cfg.LoginFailureURL,
			CookieSecure:    cfg.CookieSecure,
		},

		EmployeeService: employeeService,
		MachineService:  machineService,
		UploadDir:       images.Dir(),

		DB:      db,
		Metrics: metrics.Handler(registry),
	})

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの定期削除を行い、SIGINTまたはSIGTERMで終了する。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Ping(ctx, db); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established (worker)")

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())
	slog.Info("worker starting", slog.Duration("interval", job.Interval))

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 未適用のマイグレーションを順番に適用し、適用後のスキーマバージョンをログに残す。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// newMailer はSMTP設定があればSMTPMailerを、無ければログ出力のみのMailerを返す。
func newMailer(cfg *config.Config) (mail.Mailer, error) {
	if !cfg.SMTPConfigured() {
		slog.Warn("SMTP is not configured; invitation emails will only be logged")
		return mail.LogMailer{}, nil
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
}

// allowedOrigins は設定された許可オリジンにBASE_URL自身のオリジンを加える。
func allowedOrigins(cfg *config.Config) []string {
	origins := append([]string{}, cfg.AllowedOrigins...)
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Scheme != "" && u.Host != "" {
		origins = append(origins, u.Scheme+"://"+u.Host)
	}
	return origins
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
