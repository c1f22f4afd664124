package httpapi

import (
	"encoding/json"
	"net/http"
)

// Result 统一响应包（Dashboard 前端按 code 判定业务成败）
// - code: 2000 成功，-1 失败
// - type: 'success' | 'error'
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
