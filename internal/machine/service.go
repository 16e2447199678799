// Package machine は工場機械の一覧・登録を提供する。
package machine

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/evergreen/internal/model"
	"github.com/hitoshi/evergreen/internal/repository"
)

// 機械の稼働状態。
const (
	StatusAvailable   = "available"
	StatusInUse       = "in_use"
	StatusMaintenance = "maintenance"
	StatusRetired     = "retired"
)

const maxNameLength = 200

// Sanitizer は自由入力テキストの無害化インターフェース。
type Sanitizer interface {
	Sanitize(input string) string
}

// Service は機械管理のサービス層。
type Service struct {
	repo      repository.MachineRepository
	sanitizer Sanitizer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.MachineRepository, sanitizer Sanitizer) *Service {
	return &Service{repo: repo, sanitizer: sanitizer}
}

// List は全機械を返す。
func (s *Service) List(ctx context.Context) ([]*model.Machine, error) {
	machines, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("機械一覧の取得に失敗しました: %w", err)
	}
	return machines, nil
}

// Create は機械を登録する。statusが空の場合はavailableとする。
func (s *Service) Create(ctx context.Context, name, machineModel, status string) (*model.Machine, error) {
	m := &model.Machine{
		Name:   s.clean(name),
		Model:  s.clean(machineModel),
		Status: strings.ReplaceAll(strings.ToLower(strings.TrimSpace(status)), " ", "_"),
	}
	if m.Status == "" {
		m.Status = StatusAvailable
	}

	fields := make(map[string]string)
	switch {
	case m.Name == "":
		fields["name"] = "name is required"
	case len(m.Name) > maxNameLength:
		fields["name"] = fmt.Sprintf("name must be %d characters or fewer", maxNameLength)
	}
	switch m.Status {
	case StatusAvailable, StatusInUse, StatusMaintenance, StatusRetired:
	default:
		fields["status"] = "status must be one of available, in_use, maintenance, retired"
	}
	if len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	if err := s.repo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("機械の登録に失敗しました: %w", err)
	}
	return m, nil
}

func (s *Service) clean(v string) string {
	if s.sanitizer == nil {
		return strings.TrimSpace(v)
	}
	return s.sanitizer.Sanitize(v)
}
