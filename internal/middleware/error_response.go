package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスのJSON表現。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

var statusByCode = map[string]int{
	model.ErrCodeInvalidURL:         http.StatusBadRequest,
	model.ErrCodeValidation:         http.StatusBadRequest,
	model.ErrCodeInvalidOPML:        http.StatusBadRequest,
	model.ErrCodeInvalidUpload:      http.StatusBadRequest,
	model.ErrCodeInvalidCredentials: http.StatusUnauthorized,
	model.ErrCodeUnauthorized:       http.StatusUnauthorized,
	model.ErrCodeSSRFBlocked:        http.StatusForbidden,
	model.ErrCodeCSRFFailed:         http.StatusForbidden,
	model.ErrCodeUserNotFound:       http.StatusNotFound,
	model.ErrCodeFeedNotDetected:    http.StatusUnprocessableEntity,
	model.ErrCodeFetchFailed:        http.StatusBadGateway,
}

// StatusForAPIError はエラーコードに対応するHTTPステータスを返す。未知のコードは500。
func StatusForAPIError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse はapiErrをstatusCodeとともにJSONで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponseBody(*apiErr))
}

func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
}

// WriteServiceError はサービス層のエラーを書き込む。
// APIErrorを含まないエラーは内容を隠して500とし、詳細はログにだけ残す。
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteAPIError(w, apiErr)
		return
	}
	slog.ErrorContext(r.Context(), "internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}

var internalError = model.APIError{
	Code:     "INTERNAL_ERROR",
	Message:  "内部エラーが発生しました。",
	Category: "system",
	Action:   "しばらく待ってから再度お試しください。",
}

// WriteInternalServerError は詳細を含まない500レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	e := internalError
	WriteErrorResponse(w, http.StatusInternalServerError, &e)
}
