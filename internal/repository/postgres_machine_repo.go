package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/evergreen/internal/model"
)

// PostgresMachineRepo はPostgreSQLを使用した機械リポジトリ。
type PostgresMachineRepo struct {
	db *sql.DB
}

// NewPostgresMachineRepo はPostgresMachineRepoを生成する。
func NewPostgresMachineRepo(db *sql.DB) *PostgresMachineRepo {
	return &PostgresMachineRepo{db: db}
}

// List は全機械を作成日時の降順で返す。
func (r *PostgresMachineRepo) List(ctx context.Context) ([]*model.Machine, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, model, status, created_at FROM machines ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		m := &model.Machine{}
		if err := rows.Scan(&m.ID, &m.Name, &m.Model, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate machines: %w", err)
	}
	return machines, nil
}

// Create は機械を作成する。IDと作成日時はDBで採番する。
func (r *PostgresMachineRepo) Create(ctx context.Context, m *model.Machine) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO machines (name, model, status) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		m.Name, m.Model, m.Status,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	return nil
}

// compile-time interface check
var _ MachineRepository = (*PostgresMachineRepo)(nil)
