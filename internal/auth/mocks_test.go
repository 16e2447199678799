package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/evergreen/internal/model"
	"github.com/hitoshi/evergreen/internal/repository"
)

// --- モック定義 ---

// memSessionRepo はテスト用のインメモリセッションストア。
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	touched  int
	touchErr error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[string]*model.Session{}}
}

func (r *memSessionRepo) Create(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) Touch(_ context.Context, id string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touchErr != nil {
		return r.touchErr
	}
	if s, ok := r.sessions[id]; ok {
		s.ExpiresAt = expiresAt
		r.touched++
	}
	return nil
}

func (r *memSessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *memSessionRepo) DeleteByEmployeeID(_ context.Context, employeeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.EmployeeID == employeeID {
			delete(r.sessions, id)
		}
	}
	return nil
}

func (r *memSessionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type mockEmployeeRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.Employee, error)
	findByEmailFn        func(ctx context.Context, email string) (*model.Employee, error)
	findByGoogleIDFn     func(ctx context.Context, googleID string) (*model.Employee, error)
	createFn             func(ctx context.Context, e *model.Employee) error
	updatePasswordHashFn func(ctx context.Context, id, hash string) error
	linkGoogleIDFn       func(ctx context.Context, id, googleID string) error
	updateImageRefFn     func(ctx context.Context, id, ref string) error
}

func (m *mockEmployeeRepo) FindByID(ctx context.Context, id string) (*model.Employee, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockEmployeeRepo) FindByEmail(ctx context.Context, email string) (*model.Employee, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockEmployeeRepo) FindByGoogleID(ctx context.Context, googleID string) (*model.Employee, error) {
	if m.findByGoogleIDFn != nil {
		return m.findByGoogleIDFn(ctx, googleID)
	}
	return nil, nil
}

func (m *mockEmployeeRepo) List(_ context.Context) ([]*model.Employee, error) {
	return nil, nil
}

func (m *mockEmployeeRepo) Create(ctx context.Context, e *model.Employee) error {
	if m.createFn != nil {
		return m.createFn(ctx, e)
	}
	return nil
}

func (m *mockEmployeeRepo) Update(_ context.Context, _ *model.Employee) error {
	return nil
}

func (m *mockEmployeeRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	if m.updatePasswordHashFn != nil {
		return m.updatePasswordHashFn(ctx, id, hash)
	}
	return nil
}

func (m *mockEmployeeRepo) LinkGoogleID(ctx context.Context, id, googleID string) error {
	if m.linkGoogleIDFn != nil {
		return m.linkGoogleIDFn(ctx, id, googleID)
	}
	return nil
}

func (m *mockEmployeeRepo) UpdateImageRef(ctx context.Context, id, ref string) error {
	if m.updateImageRefFn != nil {
		return m.updateImageRefFn(ctx, id, ref)
	}
	return nil
}

func (m *mockEmployeeRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

type mockOAuthProvider struct {
	authCodeURLFn func(state string) string
	exchangeFn    func(ctx context.Context, code string) (*FederatedClaims, error)
}

func (m *mockOAuthProvider) AuthCodeURL(state string) string {
	if m.authCodeURLFn != nil {
		return m.authCodeURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) Exchange(ctx context.Context, code string) (*FederatedClaims, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	return nil, nil
}

type mockPictureImporter struct {
	importFn func(ctx context.Context, employeeID, pictureURL string) (string, error)
}

func (m *mockPictureImporter) Import(ctx context.Context, employeeID, pictureURL string) (string, error) {
	return m.importFn(ctx, employeeID, pictureURL)
}

// --- compile-time interface checks ---
var (
	_ repository.SessionRepository  = (*memSessionRepo)(nil)
	_ repository.EmployeeRepository = (*mockEmployeeRepo)(nil)
	_ OAuthProvider                 = (*mockOAuthProvider)(nil)
	_ PictureImporter               = (*mockPictureImporter)(nil)
)
