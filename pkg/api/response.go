package api

import (
	"encoding/json"
	"net/http"
)

// Error messages returned in the "error" field.
const (
	ErrMsgInvalidParams = "invalid parameters"
	ErrMsgInvalidID     = "invalid request id"
	ErrMsgNotFound      = "not found"
	ErrMsgInternal      = "internal error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteResponse writes data as JSON with the given status.
func WriteResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an ErrorResponse. detail may be a string or an error.
func WriteError(w http.ResponseWriter, status int, message string, detail ...any) {
	resp := ErrorResponse{Error: message}
	if len(detail) > 0 {
		switch v := detail[0].(type) {
		case string:
			resp.Details = v
		case error:
			if v != nil {
				resp.Details = v.Error()
			}
		}
	}
	WriteResponse(w, status, resp)
}
