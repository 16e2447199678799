package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/evergreen/internal/employee"
	"github.com/hitoshi/evergreen/internal/middleware"
	"github.com/hitoshi/evergreen/internal/model"
)

// maxMultipartMemory はmultipartフォームをメモリに保持する上限。超過分は一時ファイルに退避される。
const maxMultipartMemory = 8 << 20

// EmployeeServiceInterface は従業員ハンドラーが必要とするサービスインターフェース。
type EmployeeServiceInterface interface {
	Create(ctx context.Context, in employee.CreateInput) (*model.Employee, error)
	List(ctx context.Context) ([]*model.Employee, error)
	Get(ctx context.Context, id string) (*model.Employee, error)
	Update(ctx context.Context, id string, in employee.Profile) (*model.Employee, error)
	Delete(ctx context.Context, id string) error
	Invite(ctx context.Context, email string) error
}

// EmployeeHandler は従業員管理のHTTPハンドラー。
type EmployeeHandler struct {
	service EmployeeServiceInterface
}

// NewEmployeeHandler はEmployeeHandlerを生成する。
func NewEmployeeHandler(service EmployeeServiceInterface) *EmployeeHandler {
	return &EmployeeHandler{service: service}
}

// Create は従業員を登録する。画像は任意。
// POST /employees (multipart/form-data)
func (h *EmployeeHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeAPIError(w, model.NewValidationError(map[string]string{"body": "request must be multipart/form-data"}))
		return
	}
	defer r.MultipartForm.RemoveAll()

	in := employee.CreateInput{
		Profile: employee.Profile{
			Name:      r.FormValue("employeeName"),
			Email:     r.FormValue("employeeEmail"),
			Mobile:    r.FormValue("employeeMobile"),
			Address:   r.FormValue("employeeAddress"),
			Role:      r.FormValue("employeeRole"),
			CreatedOn: r.FormValue("createdOn"),
		},
		Password: r.FormValue("password"),
	}

	file, header, err := r.FormFile("image")
	switch {
	case err == nil:
		defer file.Close()
		in.Image = &employee.Image{Filename: header.Filename, Content: file}
	case !errors.Is(err, http.ErrMissingFile):
		writeAPIError(w, model.NewValidationError(map[string]string{"image": "image could not be read"}))
		return
	}

	if _, err := h.service.Create(r.Context(), in); err != nil {
		handleServiceError(w, err)
		return
	}

	writeMessage(w, http.StatusCreated, "Employee added successfully")
}

// List は全従業員を返す。
// GET /employees
func (h *EmployeeHandler) List(w http.ResponseWriter, r *http.Request) {
	employees, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	data := make([]employeeResponse, 0, len(employees))
	for _, e := range employees {
		data = append(data, toEmployeeResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(data),
		"data":  data,
	})
}

// Get は指定IDの従業員を返す。
// GET /employees/{id}
func (h *EmployeeHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeResponse(e))
}

// updateEmployeeRequest はプロフィール更新リクエスト。
// ロールは登録時と同じemployeeRoleと、一覧の表示形式に合わせたemployeeRolesの両方を受け付ける。
type updateEmployeeRequest struct {
	EmployeeName    string `json:"employeeName"`
	EmployeeEmail   string `json:"employeeEmail"`
	EmployeeMobile  string `json:"employeeMobile"`
	EmployeeAddress string `json:"employeeAddress"`
	EmployeeRole    string `json:"employeeRole"`
	EmployeeRoles   string `json:"employeeRoles"`
	CreatedOn       string `json:"createdOn"`
}

// Update はプロフィール項目を更新する。パスワードは変更できない。
// PUT /employees/{id}
func (h *EmployeeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateEmployeeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, invalidBodyError())
		return
	}

	role := req.EmployeeRole
	if role == "" {
		role = req.EmployeeRoles
	}

	_, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), employee.Profile{
		Name:      req.EmployeeName,
		Email:     req.EmployeeEmail,
		Mobile:    req.EmployeeMobile,
		Address:   req.EmployeeAddress,
		Role:      role,
		CreatedOn: req.CreatedOn,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "Employee details updated successfully")
}

// Delete は従業員とそのセッションを削除する。
// DELETE /employees/{id}
func (h *EmployeeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}
	actor, _ := middleware.EmployeeIDFromContext(r.Context())
	slog.Info("employee deleted", slog.String("employee_id", id), slog.String("deleted_by", actor))
	writeMessage(w, http.StatusOK, "Employee profile deleted successfully")
}

type sendEmailRequest struct {
	EmployeeEmail string `json:"employeeEmail"`
}

// SendEmail は一時パスワードを発行して招待メールを送信する。
// POST /employees/send_email
func (h *EmployeeHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, invalidBodyError())
		return
	}

	if err := h.service.Invite(r.Context(), req.EmployeeEmail); err != nil {
		handleServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Email sent successfully")
}
