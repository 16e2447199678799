package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/evergreen/internal/employee"
	"github.com/hitoshi/evergreen/internal/model"
)

// --- モック定義 ---

type mockEmployeeService struct {
	createFn func(ctx context.Context, in employee.CreateInput) (*model.Employee, error)
	listFn   func(ctx context.Context) ([]*model.Employee, error)
	getFn    func(ctx context.Context, id string) (*model.Employee, error)
	updateFn func(ctx context.Context, id string, in employee.Profile) (*model.Employee, error)
	deleteFn func(ctx context.Context, id string) error
	inviteFn func(ctx context.Context, email string) error
}

func (m *mockEmployeeService) Create(ctx context.Context, in employee.CreateInput) (*model.Employee, error) {
	if m.createFn != nil {
		return m.createFn(ctx, in)
	}
	return &model.Employee{}, nil
}

func (m *mockEmployeeService) List(ctx context.Context) ([]*model.Employee, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockEmployeeService) Get(ctx context.Context, id string) (*model.Employee, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.NewEmployeeNotFoundError(id)
}

func (m *mockEmployeeService) Update(ctx context.Context, id string, in employee.Profile) (*model.Employee, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, in)
	}
	return &model.Employee{ID: id}, nil
}

func (m *mockEmployeeService) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockEmployeeService) Invite(ctx context.Context, email string) error {
	if m.inviteFn != nil {
		return m.inviteFn(ctx, email)
	}
	return nil
}

// withURLParam はchiのURLパラメータをリクエストに設定する。
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func multipartEmployeeRequest(t *testing.T, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", "avatar.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(image)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/employees", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

var validEmployeeFields = map[string]string{
	"employeeName":    "Tharusha Perera",
	"employeeEmail":   "tharusha@gmail.com",
	"employeeMobile":  "0771234567",
	"employeeAddress": "Kandy",
	"employeeRole":    "EmployeeMangeAdmin",
	"createdOn":       "2024-05-01",
	"password":        "pw123456",
}

// --- テスト ---

func TestEmployeeHandler_Create(t *testing.T) {
	t.Run("フォーム項目と画像をサービスに渡して201を返す", func(t *testing.T) {
		var got employee.CreateInput
		var gotImage []byte
		svc := &mockEmployeeService{
			createFn: func(ctx context.Context, in employee.CreateInput) (*model.Employee, error) {
				got = in
				if in.Image != nil {
					gotImage, _ = io.ReadAll(in.Image.Content)
				}
				return &model.Employee{ID: "emp-1"}, nil
			},
		}
		h := NewEmployeeHandler(svc)

		w := httptest.NewRecorder()
		h.Create(w, multipartEmployeeRequest(t, validEmployeeFields, []byte("\x89PNG\r\n\x1a\nfake")))

		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		if got.Name != "Tharusha Perera" || got.Email != "tharusha@gmail.com" || got.Role != "EmployeeMangeAdmin" ||
			got.CreatedOn != "2024-05-01" || got.Password != "pw123456" {
			t.Errorf("input = %+v", got)
		}
		if got.Image == nil || got.Image.Filename != "avatar.png" {
			t.Fatalf("image = %+v, want avatar.png", got.Image)
		}
		if !bytes.HasPrefix(gotImage, []byte("\x89PNG")) {
			t.Errorf("image content not forwarded")
		}
		if decodeBody(t, w)["message"] != "Employee added successfully" {
			t.Errorf("unexpected message")
		}
	})

	t.Run("画像無しでも登録できる", func(t *testing.T) {
		svc := &mockEmployeeService{
			createFn: func(ctx context.Context, in employee.CreateInput) (*model.Employee, error) {
				if in.Image != nil {
					t.Errorf("image should be nil")
				}
				return &model.Employee{ID: "emp-1"}, nil
			},
		}
		h := NewEmployeeHandler(svc)

		w := httptest.NewRecorder()
		h.Create(w, multipartEmployeeRequest(t, validEmployeeFields, nil))

		if w.Code != http.StatusCreated {
			t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
		}
	})

	t.Run("multipart以外は400", func(t *testing.T) {
		h := NewEmployeeHandler(&mockEmployeeService{})

		req := httptest.NewRequest(http.MethodPost, "/employees", strings.NewReader(`{"employeeName":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.Create(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("検証エラーはフィールド付きの400", func(t *testing.T) {
		svc := &mockEmployeeService{
			createFn: func(ctx context.Context, in employee.CreateInput) (*model.Employee, error) {
				return nil, model.NewValidationError(map[string]string{"employeeName": "name is required"})
			},
		}
		h := NewEmployeeHandler(svc)

		w := httptest.NewRecorder()
		h.Create(w, multipartEmployeeRequest(t, map[string]string{"employeeEmail": "a@b.lk"}, nil))

		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		fields, _ := decodeBody(t, w)["fields"].(map[string]any)
		if fields["employeeName"] != "name is required" {
			t.Errorf("fields = %v", fields)
		}
	})

	t.Run("重複メールは409", func(t *testing.T) {
		svc := &mockEmployeeService{
			createFn: func(ctx context.Context, in employee.CreateInput) (*model.Employee, error) {
				return nil, model.NewDuplicateEmailError()
			},
		}
		h := NewEmployeeHandler(svc)

		w := httptest.NewRecorder()
		h.Create(w, multipartEmployeeRequest(t, validEmployeeFields, nil))

		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
		}
	})
}

func TestEmployeeHandler_List(t *testing.T) {
	t.Run("件数とデータを返しハッシュを含めない", func(t *testing.T) {
		svc := &mockEmployeeService{
			listFn: func(ctx context.Context) ([]*model.Employee, error) {
				return []*model.Employee{
					{ID: "emp-1", Name: "A", PasswordHash: "$2a$10$hash-a", CreatedOn: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
					{ID: "emp-2", Name: "B", PasswordHash: "$2a$10$hash-b"},
				}, nil
			},
		}
		h := NewEmployeeHandler(svc)

		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest(http.MethodGet, "/employees", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if strings.Contains(w.Body.String(), "$2a$10$") {
			t.Errorf("response leaks hash: %s", w.Body.String())
		}
		body := decodeBody(t, w)
		if body["count"] != float64(2) {
			t.Errorf("count = %v, want 2", body["count"])
		}
		data, _ := body["data"].([]any)
		if len(data) != 2 {
			t.Fatalf("len(data) = %d, want 2", len(data))
		}
		first, _ := data[0].(map[string]any)
		if first["createdOn"] != "2024-05-01" {
			t.Errorf("createdOn = %v, want 2024-05-01", first["createdOn"])
		}
	})

	t.Run("空の場合は空配列", func(t *testing.T) {
		h := NewEmployeeHandler(&mockEmployeeService{})

		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest(http.MethodGet, "/employees", nil))

		if !strings.Contains(w.Body.String(), `"data":[]`) {
			t.Errorf("body = %s, want empty data array", w.Body.String())
		}
	})
}

func TestEmployeeHandler_Get(t *testing.T) {
	t.Run("存在する従業員を返す", func(t *testing.T) {
		svc := &mockEmployeeService{
			getFn: func(ctx context.Context, id string) (*model.Employee, error) {
				return &model.Employee{ID: id, Email: "tharusha@gmail.com"}, nil
			},
		}
		h := NewEmployeeHandler(svc)

		w := httptest.NewRecorder()
		h.Get(w, withURLParam(httptest.NewRequest(http.MethodGet, "/employees/emp-1", nil), "id", "emp-1"))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if decodeBody(t, w)["_id"] != "emp-1" {
			t.Errorf("unexpected id")
		}
	})

	t.Run("存在しない従業員は404", func(t *testing.T) {
		h := NewEmployeeHandler(&mockEmployeeService{})

		w := httptest.NewRecorder()
		h.Get(w, withURLParam(httptest.NewRequest(http.MethodGet, "/employees/missing", nil), "id", "missing"))

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestEmployeeHandler_Update(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantRole string
	}{
		{name: "employeeRoleを受け付ける", body: `{"employeeName":"A","employeeRole":"Staff"}`, wantRole: "Staff"},
		{name: "employeeRolesも受け付ける", body: `{"employeeName":"A","employeeRoles":"Other"}`, wantRole: "Other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			var got employee.Profile
			svc := &mockEmployeeService{
				updateFn: func(ctx context.Context, id string, in employee.Profile) (*model.Employee, error) {
					gotID, got = id, in
					return &model.Employee{ID: id}, nil
				},
			}
			h := NewEmployeeHandler(svc)

			req := httptest.NewRequest(http.MethodPut, "/employees/emp-1", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.Update(w, withURLParam(req, "id", "emp-1"))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if gotID != "emp-1" || got.Role != tt.wantRole || got.Name != "A" {
				t.Errorf("id=%q profile=%+v", gotID, got)
			}
		})
	}

	t.Run("パスワードは更新対象に含めない", func(t *testing.T) {
		svc := &mockEmployeeService{
			updateFn: func(ctx context.Context, id string, in employee.Profile) (*model.Employee, error) {
				return &model.Employee{ID: id}, nil
			},
		}
		h := NewEmployeeHandler(svc)

		req := httptest.NewRequest(http.MethodPut, "/employees/emp-1", strings.NewReader(`{"password":"new-password"}`))
		w := httptest.NewRecorder()
		h.Update(w, withURLParam(req, "id", "emp-1"))

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

func TestEmployeeHandler_Delete(t *testing.T) {
	t.Run("削除成功は200", func(t *testing.T) {
		var deleted string
		svc := &mockEmployeeService{
			deleteFn: func(ctx context.Context, id string) error {
				deleted = id
				return nil
			},
		}
		h := NewEmployeeHandler(svc)

		w := httptest.NewRecorder()
		h.Delete(w, withURLParam(httptest.NewRequest(http.MethodDelete, "/employees/emp-1", nil), "id", "emp-1"))

		if w.Code != http.StatusOK || deleted != "emp-1" {
			t.Errorf("status = %d deleted = %q", w.Code, deleted)
		}
	})

	t.Run("内部エラーは詳細を隠して500", func(t *testing.T) {
		svc := &mockEmployeeService{
			deleteFn: func(ctx context.Context, id string) error {
				return errors.New("pq: connection refused")
			},
		}
		h := NewEmployeeHandler(svc)

		w := httptest.NewRecorder()
		h.Delete(w, withURLParam(httptest.NewRequest(http.MethodDelete, "/employees/emp-1", nil), "id", "emp-1"))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if strings.Contains(w.Body.String(), "pq:") {
			t.Errorf("response leaks internal error: %s", w.Body.String())
		}
	})
}

func TestEmployeeHandler_SendEmail(t *testing.T) {
	t.Run("招待を送信して200", func(t *testing.T) {
		var invited string
		svc := &mockEmployeeService{
			inviteFn: func(ctx context.Context, email string) error {
				invited = email
				return nil
			},
		}
		h := NewEmployeeHandler(svc)

		req := httptest.NewRequest(http.MethodPost, "/employees/send_email", strings.NewReader(`{"employeeEmail":"tharusha@gmail.com"}`))
		w := httptest.NewRecorder()
		h.SendEmail(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if invited != "tharusha@gmail.com" {
			t.Errorf("invited = %q", invited)
		}
		if decodeBody(t, w)["message"] != "Email sent successfully" {
			t.Errorf("unexpected message")
		}
	})

	t.Run("未登録の従業員は404", func(t *testing.T) {
		svc := &mockEmployeeService{
			inviteFn: func(ctx context.Context, email string) error {
				return model.NewEmployeeNotFoundError(email)
			},
		}
		h := NewEmployeeHandler(svc)

		req := httptest.NewRequest(http.MethodPost, "/employees/send_email", strings.NewReader(`{"employeeEmail":"nobody@evergreentea.lk"}`))
		w := httptest.NewRecorder()
		h.SendEmail(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}
