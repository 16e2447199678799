package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/evergreen/internal/model"
)

const (
	// sessionKeyPrefix はセッション本体のキー接頭辞。
	sessionKeyPrefix = "session:"
	// employeeSessionsPrefix は従業員ごとのセッションID集合のキー接頭辞。
	employeeSessionsPrefix = "employee_sessions:"
)

// redisSession はRedisに保存するセッションのJSON表現。
type redisSession struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id,omitempty"`
	CSRFSecret string    `json:"csrf_secret"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// 有効期限はキーのTTLで管理するため、期限切れキーの掃除は不要。
type RedisSessionRepo struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
func NewRedisSessionRepo(client *redis.Client) *RedisSessionRepo {
	return &RedisSessionRepo{client: client, now: time.Now}
}

// Create はセッションを保存する。既に期限切れのセッションは保存しない。
func (r *RedisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("failed to create session: already expired")
	}

	data, err := marshalSession(session)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ID, data, ttl)
	if session.EmployeeID != "" {
		// 集合には期限を付けない。失効済みIDが残っても削除時のDELは無害
		pipe.SAdd(ctx, employeeSessionsPrefix+session.EmployeeID, session.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	data, err := r.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s redisSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if !s.ExpiresAt.After(r.now()) {
		return nil, nil
	}

	return &model.Session{
		ID:         s.ID,
		EmployeeID: s.EmployeeID,
		CSRFSecret: s.CSRFSecret,
		CreatedAt:  s.CreatedAt,
		ExpiresAt:  s.ExpiresAt,
	}, nil
}

// Touch はセッションの有効期限を延長する。存在しないセッションは無視する。
// 読み出しと書き戻しの間に削除されたセッションはXXで再作成しない。
func (r *RedisSessionRepo) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	session, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}

	session.ExpiresAt = expiresAt
	data, err := marshalSession(session)
	if err != nil {
		return err
	}
	err = r.client.SetArgs(ctx, sessionKeyPrefix+id, data, redis.SetArgs{Mode: "XX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	session, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+id)
	if session != nil && session.EmployeeID != "" {
		pipe.SRem(ctx, employeeSessionsPrefix+session.EmployeeID, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByEmployeeID は指定従業員の全セッションを削除する。
func (r *RedisSessionRepo) DeleteByEmployeeID(ctx context.Context, employeeID string) error {
	indexKey := employeeSessionsPrefix + employeeID
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list employee sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKeyPrefix+id)
	}
	keys = append(keys, indexKey)

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete employee sessions: %w", err)
	}
	return nil
}

func marshalSession(session *model.Session) ([]byte, error) {
	data, err := json.Marshal(redisSession{
		ID:         session.ID,
		EmployeeID: session.EmployeeID,
		CSRFSecret: session.CSRFSecret,
		CreatedAt:  session.CreatedAt,
		ExpiresAt:  session.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
