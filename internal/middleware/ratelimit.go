package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/evergreen/internal/metrics"
	"github.com/hitoshi/evergreen/internal/model"
)

// リミッター名。メトリクスのlimiterラベルに使う。
const (
	LimiterGeneral = "general"
	LimiterLogin   = "login"
)

// ClientAddress はレート制限のキーとなるクライアントアドレスを返す。
// trustProxyがtrueの場合はX-Forwarded-Forの先頭要素を優先する。
func ClientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WindowCounter は固定ウィンドウのカウンタ。
// Incrはキーのカウントを1増やし、増加後の値とウィンドウ終了までの残り時間を返す。
type WindowCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// --- インメモリカウンタ ---

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryWindowCounter はプロセス内のマップで固定ウィンドウを管理する。
// 単一インスタンス構成向け。
type MemoryWindowCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryWindowCounter はMemoryWindowCounterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewMemoryWindowCounter(cleanupInterval time.Duration) *MemoryWindowCounter {
	c := &MemoryWindowCounter{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// Incr はWindowCounterを実装する。
func (c *MemoryWindowCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		c.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

// Len は現在管理されているエントリ数を返す。テスト用。
func (c *MemoryWindowCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (c *MemoryWindowCounter) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *MemoryWindowCounter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

// cleanup はウィンドウが終了したエントリを削除する。
func (c *MemoryWindowCounter) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, key)
		}
	}
}

// --- Redisカウンタ ---

// RedisWindowCounter はRedisのINCRとPEXPIREで固定ウィンドウを管理する。
// 複数インスタンスでカウントを共有できる。
type RedisWindowCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisWindowCounter はRedisWindowCounterを生成する。
func NewRedisWindowCounter(client *redis.Client, prefix string) *RedisWindowCounter {
	return &RedisWindowCounter{client: client, prefix: prefix}
}

// Incr はWindowCounterを実装する。
// 有効期限の無いキー（PEXPIRE前に中断された場合など）はここで期限を付け直す。
func (c *RedisWindowCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	k := c.prefix + key

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		if err := c.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to set rate counter expiry: %w", err)
		}
		remaining = window
	}
	return incr.Val(), remaining, nil
}

// --- 固定ウィンドウリミッター ---

// FixedWindowConfig は固定ウィンドウリミッターの設定。
type FixedWindowConfig struct {
	Max        int           // ウィンドウあたりの最大リクエスト数
	Window     time.Duration // ウィンドウ長
	TrustProxy bool          // X-Forwarded-Forをクライアントアドレスとして信頼するか
}

// FixedWindowLimiter はクライアントアドレスごとの固定ウィンドウレート制限。
type FixedWindowLimiter struct {
	config   FixedWindowConfig
	counter  WindowCounter
	recorder metrics.Recorder
}

// NewFixedWindowLimiter はFixedWindowLimiterを生成する。
func NewFixedWindowLimiter(config FixedWindowConfig, counter WindowCounter, recorder metrics.Recorder) *FixedWindowLimiter {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &FixedWindowLimiter{config: config, counter: counter, recorder: recorder}
}

// Middleware はレート制限ミドルウェアを返す。
// 上限を超えたリクエストには429とRetry-Afterを返す。
// カウンタの障害時はリクエストを通過させる。
func (l *FixedWindowLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := ClientAddress(r, l.config.TrustProxy)

			count, remaining, err := l.counter.Incr(r.Context(), addr, l.config.Window)
			if err != nil {
				slog.Warn("rate limit counter unavailable, allowing request",
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if count > int64(l.config.Max) {
				l.recorder.RecordRateLimited(LimiterGeneral)
				slog.Warn("rate limit exceeded",
					slog.String("client", addr),
					slog.String("limit_type", LimiterGeneral),
				)
				writeRateLimitResponse(w, remaining)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// --- ログインスロットル ---

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LoginThrottleConfig はログインスロットルの設定。
type LoginThrottleConfig struct {
	PerMinute       int           // 1分あたりの試行回数（バーストも同数）
	TrustProxy      bool          // X-Forwarded-Forをクライアントアドレスとして信頼するか
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// LoginThrottle はクライアントアドレスごとのトークンバケットでログイン試行を制限する。
type LoginThrottle struct {
	config   LoginThrottleConfig
	limit    rate.Limit
	recorder metrics.Recorder

	mu       sync.RWMutex
	limiters map[string]*clientLimiter

	stopCh chan struct{}
	once   sync.Once
}

// NewLoginThrottle は新しいLoginThrottleを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewLoginThrottle(config LoginThrottleConfig, recorder metrics.Recorder) *LoginThrottle {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	lt := &LoginThrottle{
		config:   config,
		limit:    rate.Limit(float64(config.PerMinute) / 60.0),
		recorder: recorder,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}

	go lt.cleanupLoop()

	return lt
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (lt *LoginThrottle) Stop() {
	lt.once.Do(func() { close(lt.stopCh) })
}

// Middleware はログイン試行のレート制限ミドルウェアを返す。
func (lt *LoginThrottle) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := ClientAddress(r, lt.config.TrustProxy)

			if !lt.getOrCreate(addr).Allow() {
				lt.recorder.RecordRateLimited(LimiterLogin)
				slog.Warn("rate limit exceeded",
					slog.String("client", addr),
					slog.String("limit_type", LimiterLogin),
				)
				writeRateLimitResponse(w, tokenInterval(lt.limit))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (lt *LoginThrottle) LimiterCount() int {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return len(lt.limiters)
}

// getOrCreate はクライアントのリミッターを取得または作成する。
func (lt *LoginThrottle) getOrCreate(addr string) *rate.Limiter {
	lt.mu.RLock()
	cl, exists := lt.limiters[addr]
	lt.mu.RUnlock()

	if exists {
		lt.mu.Lock()
		cl.lastAccess = time.Now()
		lt.mu.Unlock()
		return cl.limiter
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()

	// ダブルチェック
	if cl, exists := lt.limiters[addr]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(lt.limit, lt.config.PerMinute)
	lt.limiters[addr] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (lt *LoginThrottle) cleanupLoop() {
	ticker := time.NewTicker(lt.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lt.cleanup()
		case <-lt.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (lt *LoginThrottle) cleanup() {
	ttl := lt.config.CleanupInterval * 2
	now := time.Now()

	lt.mu.Lock()
	for addr, cl := range lt.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(lt.limiters, addr)
		}
	}
	lt.mu.Unlock()
}

// tokenInterval は1トークンが補充されるまでの時間を返す。
func tokenInterval(l rate.Limit) time.Duration {
	if l <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / float64(l))
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterには再試行可能になるまでの秒数（切り上げ、最低1）を設定する。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteAPIError(w, model.NewRateLimitedError())
}
