package transfer

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/redsanjin-1/bigfile/internal/common"
)

// Endpoints. Each one takes the file identity as last path segment.
const (
	EndpointTransferState = "/transfer-state/"
	EndpointChunk         = "/chunk/"
	EndpointMerge         = "/merge/"
	EndpointFiles         = "/files/"
	EndpointHealth        = "/healthz"
)

// Query parameters.
const (
	ParamChunkFileName = "chunkFileName"
	ParamStart         = "start"
	ParamChunkSize     = "chunkSize"
	ParamFileSize      = "fileSize"
)

// HeaderRequestID is set on every response.
const HeaderRequestID = "X-Request-ID"

// UploadedChunk is a chunk the server holds and its current length.
type UploadedChunk struct {
	ChunkFileName string `json:"chunkFileName"`
	Size          int64  `json:"size"`
}

// TransferStateResponse answers GET /transfer-state/{id}. When Exists is
// true the file is already complete and UploadedChunks is empty. ChunkSize
// is the size the held chunks were planned with, zero when none are held;
// MaxChunkSize is the largest size the server accepts for a new upload.
type TransferStateResponse struct {
	Success        bool            `json:"success"`
	Exists         bool            `json:"exists"`
	ChunkSize      int64           `json:"chunkSize,omitempty"`
	MaxChunkSize   int64           `json:"maxChunkSize,omitempty"`
	UploadedChunks []UploadedChunk `json:"uploadedChunks"`
}

// ChunkUploadResponse answers POST /chunk/{id}.
type ChunkUploadResponse struct {
	Success bool  `json:"success"`
	Written int64 `json:"written"`
}

// SuccessResponse answers merge and health checks.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}

// WriteError maps err to its status code and writes it.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorResponse(w, StatusFor(err), err.Error())
}

// StatusFor maps an error returned by the chunk store to an HTTP status.
func StatusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrIntegrity):
		return http.StatusConflict
	case errors.Is(err, common.ErrMerge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// errorFor is the client side inverse of StatusFor.
func errorFor(status int) error {
	switch {
	case status == http.StatusConflict:
		return common.ErrIntegrity
	case status == http.StatusUnprocessableEntity:
		return common.ErrMerge
	case status == http.StatusRequestEntityTooLarge:
		return common.ErrIntegrity
	case status == http.StatusTooManyRequests:
		return common.ErrTransient
	case status >= 400 && status < 500:
		return common.ErrValidation
	default:
		return common.ErrTransient
	}
}
