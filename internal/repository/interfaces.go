// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/evergreen/internal/model"
)

// ErrDuplicateEmail はメールアドレスが既に登録済みの場合に返される。
// 比較は大文字小文字を区別しない。
var ErrDuplicateEmail = errors.New("repository: duplicate email")

// ErrDuplicateGoogleID はGoogleのsubjectが別の従業員に紐付け済みの場合に返される。
var ErrDuplicateGoogleID = errors.New("repository: duplicate google id")

// ErrNotFound は更新・削除対象の行が存在しない場合に返される。
var ErrNotFound = errors.New("repository: not found")

// EmployeeRepository は従業員データの永続化インターフェース。
type EmployeeRepository interface {
	// FindByID は指定IDの従業員を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Employee, error)

	// FindByEmail はメールアドレスで従業員を検索する。大文字小文字は区別しない。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Employee, error)

	// FindByGoogleID は紐付け済みのGoogle subjectで従業員を検索する。
	// 見つからない場合はnilを返す。
	FindByGoogleID(ctx context.Context, googleID string) (*model.Employee, error)

	// List は全従業員を作成日時の降順で返す。
	List(ctx context.Context) ([]*model.Employee, error)

	// Create は従業員を1回のINSERTで作成する。
	// メールアドレスが重複した場合はErrDuplicateEmail、
	// GoogleIDが重複した場合はErrDuplicateGoogleIDを返す。
	Create(ctx context.Context, employee *model.Employee) error

	// Update はプロフィール項目を更新する。パスワードとGoogleIDは変更しない。
	Update(ctx context.Context, employee *model.Employee) error

	// UpdatePasswordHash はパスワードハッシュのみを更新する。
	UpdatePasswordHash(ctx context.Context, id, hash string) error

	// LinkGoogleID は未連携の従業員にGoogleのsubjectを紐付ける。
	// subjectが別の従業員に紐付け済みの場合はErrDuplicateGoogleIDを返す。
	LinkGoogleID(ctx context.Context, id, googleID string) error

	// UpdateImageRef はプロフィール画像の参照を更新する。
	UpdateImageRef(ctx context.Context, id, ref string) error

	// DeleteByID は指定IDの従業員を削除する。関連するsessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Touch はセッションの有効期限を延長する。
	Touch(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByEmployeeID は指定従業員の全セッションを削除する。
	DeleteByEmployeeID(ctx context.Context, employeeID string) error
}

// ExpiredSessionPurger は期限切れセッションの一括削除を提供する。
// TTLで自動失効するストアは実装しない。
type ExpiredSessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// MachineRepository は機械データの永続化インターフェース。
type MachineRepository interface {
	// List は全機械を作成日時の降順で返す。
	List(ctx context.Context) ([]*model.Machine, error)
	// Create は機械を作成する。
	Create(ctx context.Context, machine *model.Machine) error
}
