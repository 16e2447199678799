package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/evergreen/internal/model"
)

// MachineServiceInterface は機械ハンドラーが必要とするサービスインターフェース。
type MachineServiceInterface interface {
	List(ctx context.Context) ([]*model.Machine, error)
	Create(ctx context.Context, name, machineModel, status string) (*model.Machine, error)
}

// MachineHandler は機械管理のHTTPハンドラー。
type MachineHandler struct {
	service MachineServiceInterface
}

// NewMachineHandler はMachineHandlerを生成する。
func NewMachineHandler(service MachineServiceInterface) *MachineHandler {
	return &MachineHandler{service: service}
}

type machineResponse struct {
	ID          string    `json:"_id"`
	MachineName string    `json:"machineName"`
	MachineType string    `json:"machineType"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toMachineResponse(m *model.Machine) machineResponse {
	return machineResponse{
		ID:          m.ID,
		MachineName: m.Name,
		MachineType: m.Model,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
	}
}

// List は全機械を返す。
// GET /machines
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	machines, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	data := make([]machineResponse, 0, len(machines))
	for _, m := range machines {
		data = append(data, toMachineResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(data),
		"data":  data,
	})
}

// createMachineRequest は機械登録リクエスト。
// JSONのキー照合は大文字小文字を区別しないため "Status" も受け付ける。
type createMachineRequest struct {
	MachineName string `json:"machineName"`
	MachineType string `json:"machineType"`
	Status      string `json:"status"`
}

// Create は機械を登録する。
// POST /machines
func (h *MachineHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, invalidBodyError())
		return
	}

	m, err := h.service.Create(r.Context(), req.MachineName, req.MachineType, req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMachineResponse(m))
}
