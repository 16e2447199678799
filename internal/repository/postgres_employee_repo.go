package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/evergreen/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// googleIDIndex はgoogle_idの部分一意インデックス名。
const googleIDIndex = "idx_employees_google_id"

const employeeColumns = `id, employee_code, name, email, mobile, address, role,
	password_hash, google_id, image_ref, created_on, created_at, updated_at`

// PostgresEmployeeRepo はPostgreSQLを使用した従業員リポジトリ。
type PostgresEmployeeRepo struct {
	db *sql.DB
}

// NewPostgresEmployeeRepo はPostgresEmployeeRepoを生成する。
func NewPostgresEmployeeRepo(db *sql.DB) *PostgresEmployeeRepo {
	return &PostgresEmployeeRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (*model.Employee, error) {
	e := &model.Employee{}
	var role string
	var passwordHash, googleID, imageRef sql.NullString
	err := row.Scan(
		&e.ID, &e.EmployeeCode, &e.Name, &e.Email, &e.Mobile, &e.Address, &role,
		&passwordHash, &googleID, &imageRef, &e.CreatedOn, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Role = model.Role(role)
	e.PasswordHash = passwordHash.String
	e.GoogleID = googleID.String
	e.ImageRef = imageRef.String
	return e, nil
}

// FindByID は指定IDの従業員を取得する。見つからない場合はnilを返す。
func (r *PostgresEmployeeRepo) FindByID(ctx context.Context, id string) (*model.Employee, error) {
	e, err := scanEmployee(r.db.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE id::text = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find employee by ID: %w", err)
	}
	return e, nil
}

// FindByEmail はメールアドレスで従業員を検索する。見つからない場合はnilを返す。
func (r *PostgresEmployeeRepo) FindByEmail(ctx context.Context, email string) (*model.Employee, error) {
	e, err := scanEmployee(r.db.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE lower(email) = lower($1)`,
		email,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find employee by email: %w", err)
	}
	return e, nil
}

// FindByGoogleID は紐付け済みのGoogle subjectで従業員を検索する。
func (r *PostgresEmployeeRepo) FindByGoogleID(ctx context.Context, googleID string) (*model.Employee, error) {
	e, err := scanEmployee(r.db.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE google_id = $1`,
		googleID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find employee by google id: %w", err)
	}
	return e, nil
}

// List は全従業員を作成日時の降順で返す。
func (r *PostgresEmployeeRepo) List(ctx context.Context) ([]*model.Employee, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+employeeColumns+` FROM employees ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var employees []*model.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}
		employees = append(employees, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate employees: %w", err)
	}
	return employees, nil
}

// Create は従業員を作成する。
// 一意制約違反は違反したインデックスに応じてErrDuplicateEmailかErrDuplicateGoogleIDに変換する。
func (r *PostgresEmployeeRepo) Create(ctx context.Context, e *model.Employee) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO employees (id, employee_code, name, email, mobile, address, role,
			password_hash, google_id, image_ref, created_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		e.ID, e.EmployeeCode, e.Name, e.Email, e.Mobile, e.Address, string(e.Role),
		nullString(e.PasswordHash), nullString(e.GoogleID), nullString(e.ImageRef), e.CreatedOn,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if isUniqueViolation(err) {
		return uniqueViolationError(err)
	}
	if err != nil {
		return fmt.Errorf("failed to create employee: %w", err)
	}
	return nil
}

// Update はプロフィール項目を更新する。
func (r *PostgresEmployeeRepo) Update(ctx context.Context, e *model.Employee) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE employees
		 SET name = $2, email = $3, mobile = $4, address = $5, role = $6, created_on = $7,
		     updated_at = now()
		 WHERE id::text = $1`,
		e.ID, e.Name, e.Email, e.Mobile, e.Address, string(e.Role), e.CreatedOn,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to update employee: %w", err)
	}
	return expectAffected(result)
}

// UpdatePasswordHash はパスワードハッシュのみを更新する。
func (r *PostgresEmployeeRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE employees SET password_hash = $2, updated_at = now() WHERE id::text = $1`,
		id, hash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	return expectAffected(result)
}

// LinkGoogleID は未連携の従業員にGoogleIDを紐付ける。
// 既に連携済みの場合は上書きしない。
func (r *PostgresEmployeeRepo) LinkGoogleID(ctx context.Context, id, googleID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE employees SET google_id = $2, updated_at = now()
		 WHERE id::text = $1 AND google_id IS NULL`,
		id, googleID,
	)
	if isUniqueViolation(err) {
		return uniqueViolationError(err)
	}
	if err != nil {
		return fmt.Errorf("failed to link google id: %w", err)
	}
	return nil
}

// UpdateImageRef はプロフィール画像の参照を更新する。
func (r *PostgresEmployeeRepo) UpdateImageRef(ctx context.Context, id, ref string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE employees SET image_ref = $2, updated_at = now() WHERE id::text = $1`,
		id, nullString(ref),
	)
	if err != nil {
		return fmt.Errorf("failed to update image ref: %w", err)
	}
	return expectAffected(result)
}

// DeleteByID は指定IDの従業員を削除する。
// 関連するsessionsはCASCADE削除される。
func (r *PostgresEmployeeRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM employees WHERE id::text = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete employee: %w", err)
	}
	return expectAffected(result)
}

func expectAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// uniqueViolationError は違反したインデックスから返すエラーを決める。
func uniqueViolationError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Constraint == googleIDIndex {
		return ErrDuplicateGoogleID
	}
	return ErrDuplicateEmail
}

// compile-time interface check
var _ EmployeeRepository = (*PostgresEmployeeRepo)(nil)
