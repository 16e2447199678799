// Package auth はローカル・Googleログイン、セッション管理、CSRFトークンを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/evergreen/internal/metrics"
	"github.com/hitoshi/evergreen/internal/model"
	"github.com/hitoshi/evergreen/internal/repository"
)

// ErrUnverifiedEmail はIdPがメールアドレスを検証済みとしていない場合に返される。
var ErrUnverifiedEmail = errors.New("auth: federated email is not verified")

// ErrGoogleAccountConflict はGoogleアカウントが別の従業員に紐付け済みの場合に返される。
var ErrGoogleAccountConflict = errors.New("auth: google account is linked to another employee")

// LoginKind はログイン方式を表す。
type LoginKind int

const (
	LoginLocal LoginKind = iota + 1
	LoginFederated
)

// String はメトリクスラベル用の方式名を返す。
func (k LoginKind) String() string {
	switch k {
	case LoginLocal:
		return metrics.MethodLocal
	case LoginFederated:
		return metrics.MethodFederated
	default:
		return "unknown"
	}
}

// LoginAttempt はログイン試行を表す。
// LoginLocalではEmailとPassword、LoginFederatedではClaimsを使用する。
type LoginAttempt struct {
	Kind     LoginKind
	Email    string
	Password string
	Claims   *FederatedClaims
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Session  *model.Session
	Employee *model.Employee
	Created  bool // フェデレーションで従業員が新規作成された場合true
}

// PasswordHasher はパスワードハッシュのインターフェース。
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, digest string) bool
	NeedsRehash(digest string) bool
}

// PictureImporter は外部のプロフィール画像URLを取り込み、保存先の参照を返す。
type PictureImporter interface {
	Import(ctx context.Context, employeeID, pictureURL string) (string, error)
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth     OAuthProvider
	employees repository.EmployeeRepository
	sessions  *SessionManager
	hasher    PasswordHasher
	pictures  PictureImporter
	recorder  metrics.Recorder
	dummyHash string
	now       func() time.Time
}

// NewService はServiceを生成する。picturesはnilでもよい。
func NewService(
	oauth OAuthProvider,
	employees repository.EmployeeRepository,
	sessions *SessionManager,
	hasher PasswordHasher,
	pictures PictureImporter,
	recorder metrics.Recorder,
) *Service {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	// 存在しない従業員へのログインでも照合処理を行うためのダミーハッシュ
	dummy, err := hasher.Hash("evergreen-dummy-password")
	if err != nil {
		slog.Warn("failed to prepare dummy hash", slog.String("error", err.Error()))
	}
	return &Service{
		oauth:     oauth,
		employees: employees,
		sessions:  sessions,
		hasher:    hasher,
		pictures:  pictures,
		recorder:  recorder,
		dummyHash: dummy,
		now:       time.Now,
	}
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AuthCodeURL はGoogleの認可URLを生成する。
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// ExchangeCode は認可コードを本人情報に交換する。
func (s *Service) ExchangeCode(ctx context.Context, code string) (*FederatedClaims, error) {
	claims, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		s.recorder.RecordLogin(metrics.MethodFederated, metrics.ResultError)
		return nil, err
	}
	return claims, nil
}

// Login はログイン試行を処理し、成功時は新しいセッションを発行する。
// currentSessionIDのセッションは破棄される。失敗時はセッションを作成しない。
func (s *Service) Login(ctx context.Context, attempt LoginAttempt, currentSessionID string) (*LoginResult, error) {
	var (
		result *LoginResult
		err    error
	)
	switch attempt.Kind {
	case LoginLocal:
		result, err = s.loginLocal(ctx, attempt, currentSessionID)
	case LoginFederated:
		result, err = s.loginFederated(ctx, attempt, currentSessionID)
	default:
		return nil, fmt.Errorf("unsupported login kind: %d", attempt.Kind)
	}

	var apiErr *model.APIError
	switch {
	case err == nil:
		s.recorder.RecordLogin(attempt.Kind.String(), metrics.ResultSuccess)
	case errors.As(err, &apiErr) || errors.Is(err, ErrUnverifiedEmail) || errors.Is(err, ErrGoogleAccountConflict):
		s.recorder.RecordLogin(attempt.Kind.String(), metrics.ResultFailure)
	default:
		s.recorder.RecordLogin(attempt.Kind.String(), metrics.ResultError)
	}
	return result, err
}

func (s *Service) loginLocal(ctx context.Context, attempt LoginAttempt, currentSessionID string) (*LoginResult, error) {
	email := NormalizeEmail(attempt.Email)
	fields := map[string]string{}
	if email == "" {
		fields["email"] = "email is required"
	}
	if attempt.Password == "" {
		fields["password"] = "password is required"
	}
	if len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	employee, err := s.employees.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find employee: %w", err)
	}

	if employee == nil || !employee.HasPassword() {
		s.hasher.Verify(attempt.Password, s.dummyHash)
		slog.Warn("local login rejected", slog.String("reason", "unknown or federated-only account"))
		return nil, model.NewInvalidCredentialsError()
	}

	if !s.hasher.Verify(attempt.Password, employee.PasswordHash) {
		slog.Warn("local login rejected",
			slog.String("reason", "password mismatch"),
			slog.String("employee_id", employee.ID),
		)
		return nil, model.NewInvalidCredentialsError()
	}

	if s.hasher.NeedsRehash(employee.PasswordHash) {
		s.rehash(ctx, employee, attempt.Password)
	}

	session, err := s.sessions.Establish(ctx, employee.ID, currentSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to establish session: %w", err)
	}

	slog.Info("employee logged in",
		slog.String("employee_id", employee.ID),
		slog.String("method", metrics.MethodLocal),
	)
	return &LoginResult{Session: session, Employee: employee}, nil
}

// rehash は現在のコストでパスワードを再ハッシュする。失敗してもログインは継続する。
func (s *Service) rehash(ctx context.Context, employee *model.Employee, plaintext string) {
	digest, err := s.hasher.Hash(plaintext)
	if err != nil {
		slog.Warn("failed to rehash password", slog.String("error", err.Error()))
		return
	}
	if err := s.employees.UpdatePasswordHash(ctx, employee.ID, digest); err != nil {
		slog.Warn("failed to store rehashed password",
			slog.String("employee_id", employee.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	employee.PasswordHash = digest
}

func (s *Service) loginFederated(ctx context.Context, attempt LoginAttempt, currentSessionID string) (*LoginResult, error) {
	claims := attempt.Claims
	if claims == nil || claims.Subject == "" {
		return nil, fmt.Errorf("federated claims are missing")
	}
	email := NormalizeEmail(claims.Email)
	if email == "" || !claims.EmailVerified {
		return nil, ErrUnverifiedEmail
	}

	employee, created, err := s.resolveFederated(ctx, email, claims)
	if err != nil {
		return nil, err
	}

	s.importPicture(ctx, employee, claims.Picture)

	session, err := s.sessions.Establish(ctx, employee.ID, currentSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to establish session: %w", err)
	}

	slog.Info("employee logged in",
		slog.String("employee_id", employee.ID),
		slog.String("method", metrics.MethodFederated),
		slog.Bool("created", created),
	)
	return &LoginResult{Session: session, Employee: employee, Created: created}, nil
}

// resolveFederated はメールアドレス、次にGoogleのsubjectで従業員を特定し、
// どちらにも該当しなければ作成する。
// 同時作成で一意制約に負けた場合は勝者の行を読み直す。
func (s *Service) resolveFederated(ctx context.Context, email string, claims *FederatedClaims) (*model.Employee, bool, error) {
	employee, err := s.employees.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find employee: %w", err)
	}

	if employee != nil {
		switch {
		case employee.GoogleID == "":
			err := s.employees.LinkGoogleID(ctx, employee.ID, claims.Subject)
			if errors.Is(err, repository.ErrDuplicateGoogleID) {
				slog.Warn("federated login rejected",
					slog.String("reason", "google account linked to another employee"),
					slog.String("employee_id", employee.ID),
				)
				return nil, false, ErrGoogleAccountConflict
			}
			if err != nil {
				return nil, false, fmt.Errorf("failed to link google account: %w", err)
			}
			employee.GoogleID = claims.Subject
		case employee.GoogleID != claims.Subject:
			slog.Warn("google subject differs from linked account",
				slog.String("employee_id", employee.ID),
			)
		}
		return employee, false, nil
	}

	// IdP側でメールアドレスが変わった連携済みアカウント
	employee, err = s.employees.FindByGoogleID(ctx, claims.Subject)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find employee by google id: %w", err)
	}
	if employee != nil {
		slog.Info("google account email differs from employee record",
			slog.String("employee_id", employee.ID),
		)
		return employee, false, nil
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	now := s.now()
	employee = &model.Employee{
		ID:           uuid.New().String(),
		EmployeeCode: model.NewEmployeeCode(),
		Name:         name,
		Email:        email,
		Role:         model.RoleStaff,
		GoogleID:     claims.Subject,
		CreatedOn:    now,
	}

	err = s.employees.Create(ctx, employee)
	switch {
	case errors.Is(err, repository.ErrDuplicateEmail):
		winner, findErr := s.employees.FindByEmail(ctx, email)
		if findErr != nil {
			return nil, false, fmt.Errorf("failed to re-read employee after conflict: %w", findErr)
		}
		if winner == nil {
			return nil, false, fmt.Errorf("employee vanished after duplicate email conflict")
		}
		return winner, false, nil
	case errors.Is(err, repository.ErrDuplicateGoogleID):
		winner, findErr := s.employees.FindByGoogleID(ctx, claims.Subject)
		if findErr != nil {
			return nil, false, fmt.Errorf("failed to re-read employee after conflict: %w", findErr)
		}
		if winner == nil {
			return nil, false, fmt.Errorf("employee vanished after duplicate google id conflict")
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create employee: %w", err)
	}

	s.recorder.RecordFederatedEmployeeCreated()
	slog.Info("employee created from google login",
		slog.String("employee_id", employee.ID),
		slog.String("employee_code", employee.EmployeeCode),
	)
	return employee, true, nil
}

// importPicture はプロフィール画像を取り込む。失敗はログのみでログインは継続する。
func (s *Service) importPicture(ctx context.Context, employee *model.Employee, pictureURL string) {
	if s.pictures == nil || pictureURL == "" || employee.ImageRef != "" {
		return
	}
	ref, err := s.pictures.Import(ctx, employee.ID, pictureURL)
	if err != nil {
		slog.Warn("failed to import profile picture",
			slog.String("employee_id", employee.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.employees.UpdateImageRef(ctx, employee.ID, ref); err != nil {
		slog.Warn("failed to store profile picture reference",
			slog.String("employee_id", employee.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	employee.ImageRef = ref
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		return err
	}
	slog.Info("employee logged out")
	return nil
}

// CurrentEmployee はセッションに紐付く従業員を取得する。
// 匿名セッションや従業員が削除済みの場合はUnauthorizedエラーを返す。
func (s *Service) CurrentEmployee(ctx context.Context, session *model.Session) (*model.Employee, error) {
	if !session.Authenticated() {
		return nil, model.NewUnauthorizedError()
	}
	employee, err := s.employees.FindByID(ctx, session.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to find employee: %w", err)
	}
	if employee == nil {
		return nil, model.NewUnauthorizedError()
	}
	return employee, nil
}
