package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Write sends err as a JSON body. Untyped errors become a bare 500 so
// internals do not leak to clients.
func Write(w http.ResponseWriter, err error) {
	var e *Error
	if !stderrors.As(err, &e) {
		e = &Error{Type: ErrorTypeInternal, Message: "internal error", Code: http.StatusInternalServerError}
	}
	code := e.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(e)
}
