package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/evergreen/internal/employee"
	"github.com/hitoshi/evergreen/internal/middleware"
	"github.com/hitoshi/evergreen/internal/model"
)

// maxJSONBodyBytes はJSONリクエストボディの上限。
const maxJSONBodyBytes = 1 << 20

// employeeResponse は従業員情報のレスポンス形式。
// パスワードハッシュとGoogle IDは含めない。
type employeeResponse struct {
	ID              string    `json:"_id"`
	EmployeeID      string    `json:"employeeId"`
	EmployeeName    string    `json:"employeeName"`
	EmployeeEmail   string    `json:"employeeEmail"`
	EmployeeMobile  string    `json:"employeeMobile"`
	EmployeeAddress string    `json:"employeeAddress"`
	EmployeeRoles   string    `json:"employeeRoles"`
	CreatedOn       string    `json:"createdOn,omitempty"`
	Image           string    `json:"image,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toEmployeeResponse(e *model.Employee) employeeResponse {
	resp := employeeResponse{
		ID:              e.ID,
		EmployeeID:      e.EmployeeCode,
		EmployeeName:    e.Name,
		EmployeeEmail:   e.Email,
		EmployeeMobile:  e.Mobile,
		EmployeeAddress: e.Address,
		EmployeeRoles:   string(e.Role),
		Image:           e.ImageRef,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	if !e.CreatedOn.IsZero() {
		resp.CreatedOn = e.CreatedOn.Format(employee.DateLayout)
	}
	return resp
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeMessage は {"message": ...} 形式のレスポンスを書き込む。
func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"message": message})
}

// writeAPIError はAPIErrorをコードに対応するステータスで書き込む。
func writeAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteAPIError(w, apiErr)
}

// decodeJSON はリクエストボディをJSONとしてデコードする。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes))
	return dec.Decode(v)
}

// invalidBodyError はボディが解析できない場合の検証エラー。
func invalidBodyError() *model.APIError {
	return model.NewValidationError(map[string]string{"body": "request body must be a JSON object"})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
