// Package employee は従業員管理のドメインロジックを提供する。
package employee

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	evmail "github.com/hitoshi/evergreen/internal/mail"
	"github.com/hitoshi/evergreen/internal/model"
	"github.com/hitoshi/evergreen/internal/password"
	"github.com/hitoshi/evergreen/internal/repository"
	"github.com/hitoshi/evergreen/internal/storage"
)

// DateLayout はcreatedOnの入力形式。
const DateLayout = "2006-01-02"

// SessionRevoker は従業員の全セッション削除インターフェース。
type SessionRevoker interface {
	DestroyAllForEmployee(ctx context.Context, employeeID string) error
}

// PasswordHasher はパスワードハッシュ生成インターフェース。
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
}

// Sanitizer は自由入力テキストの無害化インターフェース。
type Sanitizer interface {
	Sanitize(input string) string
}

// Image はアップロードされたプロフィール画像。
type Image struct {
	Filename string
	Content  io.Reader
}

// Profile は登録・更新時に受け付けるプロフィール項目。
type Profile struct {
	Name      string
	Email     string
	Mobile    string
	Address   string
	Role      string
	CreatedOn string // YYYY-MM-DD
}

// CreateInput は従業員登録の入力。
type CreateInput struct {
	Profile
	Password string
	Image    *Image
}

// Service は従業員管理のサービス層。
type Service struct {
	employees  repository.EmployeeRepository
	sessions   SessionRevoker
	hasher     PasswordHasher
	sanitizer  Sanitizer
	images     storage.ImageStore
	mailer     evmail.Mailer
	landingURL string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	employees repository.EmployeeRepository,
	sessions SessionRevoker,
	hasher PasswordHasher,
	sanitizer Sanitizer,
	images storage.ImageStore,
	mailer evmail.Mailer,
	landingURL string,
) *Service {
	return &Service{
		employees:  employees,
		sessions:   sessions,
		hasher:     hasher,
		sanitizer:  sanitizer,
		images:     images,
		mailer:     mailer,
		landingURL: landingURL,
	}
}

// Create は従業員を登録する。
// 全項目が必須。メールアドレスが重複する場合はDUPLICATE_EMAILを返す。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Employee, error) {
	p, createdOn, fields := s.normalize(in.Profile)
	if in.Password == "" {
		fields["password"] = "password is required"
	}
	if len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}

	e := &model.Employee{
		ID:           uuid.New().String(),
		EmployeeCode: model.NewEmployeeCode(),
		Name:         p.Name,
		Email:        p.Email,
		Mobile:       p.Mobile,
		Address:      p.Address,
		Role:         model.Role(p.Role),
		PasswordHash: hash,
		CreatedOn:    createdOn,
	}

	if in.Image != nil && s.images != nil {
		ref, err := s.images.Store(ctx, in.Image.Filename, in.Image.Content)
		switch {
		case errors.Is(err, storage.ErrImageTooLarge):
			return nil, model.NewValidationError(map[string]string{"image": "image must be 5MB or smaller"})
		case errors.Is(err, storage.ErrNotImage):
			return nil, model.NewValidationError(map[string]string{"image": "file must be an image"})
		case err != nil:
			return nil, fmt.Errorf("画像の保存に失敗しました: %w", err)
		}
		e.ImageRef = ref
	}

	if err := s.employees.Create(ctx, e); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewDuplicateEmailError()
		}
		return nil, fmt.Errorf("従業員の登録に失敗しました: %w", err)
	}

	slog.Info("従業員を登録しました",
		slog.String("employee_id", e.ID),
		slog.String("role", string(e.Role)),
	)
	return e, nil
}

// List は全従業員を返す。
func (s *Service) List(ctx context.Context) ([]*model.Employee, error) {
	employees, err := s.employees.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("従業員一覧の取得に失敗しました: %w", err)
	}
	return employees, nil
}

// Get は指定IDの従業員を返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Employee, error) {
	e, err := s.employees.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("従業員の取得に失敗しました: %w", err)
	}
	if e == nil {
		return nil, model.NewEmployeeNotFoundError(id)
	}
	return e, nil
}

// Update はプロフィール項目を更新する。パスワードは変更しない。
func (s *Service) Update(ctx context.Context, id string, in Profile) (*model.Employee, error) {
	p, createdOn, fields := s.normalize(in)
	if len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Name = p.Name
	e.Email = p.Email
	e.Mobile = p.Mobile
	e.Address = p.Address
	e.Role = model.Role(p.Role)
	e.CreatedOn = createdOn

	if err := s.employees.Update(ctx, e); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, model.NewDuplicateEmailError()
		case errors.Is(err, repository.ErrNotFound):
			return nil, model.NewEmployeeNotFoundError(id)
		}
		return nil, fmt.Errorf("従業員の更新に失敗しました: %w", err)
	}
	return e, nil
}

// Delete は従業員を削除する。
// 削除順序: sessions → employee（sessionsはCASCADEでも削除される）
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	if s.sessions != nil {
		if err := s.sessions.DestroyAllForEmployee(ctx, id); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	if err := s.employees.DeleteByID(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewEmployeeNotFoundError(id)
		}
		return fmt.Errorf("従業員の削除に失敗しました: %w", err)
	}

	slog.Info("従業員を削除しました", slog.String("employee_id", id))
	return nil
}

// Invite は一時パスワードを発行してハッシュを保存し、招待メールを送信する。
// 平文の一時パスワードはメール本文にのみ含まれる。
func (s *Service) Invite(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !validEmail(email) {
		return model.NewValidationError(map[string]string{"employeeEmail": "a valid email is required"})
	}

	e, err := s.employees.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("従業員の取得に失敗しました: %w", err)
	}
	if e == nil {
		return model.NewEmployeeNotFoundError(email)
	}

	temporary, err := password.Generate(password.DefaultLength)
	if err != nil {
		return fmt.Errorf("一時パスワードの生成に失敗しました: %w", err)
	}
	hash, err := s.hasher.Hash(temporary)
	if err != nil {
		return fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}
	if err := s.employees.UpdatePasswordHash(ctx, e.ID, hash); err != nil {
		return fmt.Errorf("パスワードの保存に失敗しました: %w", err)
	}

	msg, err := evmail.NewInvitation(e.Email, temporary, s.landingURL)
	if err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "招待メールの送信に失敗しました",
			slog.String("employee_id", e.ID),
			slog.String("error", err.Error()),
		)
		return model.NewUpstreamUnavailableError()
	}

	slog.Info("招待メールを送信しました", slog.String("employee_id", e.ID))
	return nil
}

// normalize は入力を無害化・正規化し、検証エラーをフィールド単位で返す。
func (s *Service) normalize(in Profile) (Profile, time.Time, map[string]string) {
	fields := make(map[string]string)
	out := Profile{
		Name:    s.clean(in.Name),
		Email:   strings.ToLower(strings.TrimSpace(in.Email)),
		Mobile:  s.clean(in.Mobile),
		Address: s.clean(in.Address),
		Role:    strings.TrimSpace(in.Role),
	}

	if out.Name == "" {
		fields["employeeName"] = "name is required"
	}
	if !validEmail(out.Email) {
		fields["employeeEmail"] = "a valid email is required"
	}
	if out.Mobile == "" {
		fields["employeeMobile"] = "mobile is required"
	}
	if out.Address == "" {
		fields["employeeAddress"] = "address is required"
	}
	if !model.Role(out.Role).Valid() {
		fields["employeeRole"] = "role is not recognized"
	}

	var createdOn time.Time
	if v := strings.TrimSpace(in.CreatedOn); v == "" {
		fields["createdOn"] = "createdOn is required"
	} else if t, err := parseDate(v); err != nil {
		fields["createdOn"] = "createdOn must be YYYY-MM-DD"
	} else {
		createdOn = t
	}
	out.CreatedOn = createdOn.Format(DateLayout)

	return out, createdOn, fields
}

func (s *Service) clean(v string) string {
	if s.sanitizer == nil {
		return strings.TrimSpace(v)
	}
	return s.sanitizer.Sanitize(v)
}

// parseDate はYYYY-MM-DDまたはRFC 3339の日付を受け付ける。
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// validEmail は表示名なしの単一アドレスかどうかを返す。
func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
