package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/evergreen/internal/model"
	"github.com/hitoshi/evergreen/internal/password"
)

// PasswordGenerator は一時パスワード生成関数。
type PasswordGenerator func(length int) (string, error)

// PasswordHandler は一時パスワード生成のHTTPハンドラー。
type PasswordHandler struct {
	generate PasswordGenerator
}

// NewPasswordHandler はPasswordHandlerを生成する。generateがnilの場合はpassword.Generateを使う。
func NewPasswordHandler(generate PasswordGenerator) *PasswordHandler {
	if generate == nil {
		generate = password.Generate
	}
	return &PasswordHandler{generate: generate}
}

// Generate は一時パスワードを生成して返す。
// lengthは整数のJSON数値のみ受け付ける。省略時は8文字。
// POST /generate_password
func (h *PasswordHandler) Generate(w http.ResponseWriter, r *http.Request) {
	length, apiErr := parseLength(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	pw, err := h.generate(length)
	if errors.Is(err, password.ErrInvalidLength) {
		writeAPIError(w, lengthError())
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"password": pw})
}

// parseLength はボディからlengthを取り出す。空ボディはデフォルト長とする。
func parseLength(r *http.Request) (int, *model.APIError) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes))
	if err != nil {
		return 0, invalidBodyError()
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return password.DefaultLength, nil
	}

	var req map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return 0, invalidBodyError()
	}

	v, ok := req["length"]
	if !ok || v == nil {
		return password.DefaultLength, nil
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, lengthError()
	}
	n, err := num.Int64()
	if err != nil || n < password.MinLength || n > password.MaxLength {
		return 0, lengthError()
	}
	return int(n), nil
}

func lengthError() *model.APIError {
	return model.NewValidationError(map[string]string{"length": password.ErrInvalidLength.Error()})
}
