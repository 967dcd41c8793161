package apperr

import (
	"encoding/json"
	"net/http"
)

// WriteHTTP writes err as a JSON {code, message} body with the matching
// status. Internal causes are never sent to the caller.
func WriteHTTP(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Code))
	json.NewEncoder(w).Encode(struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	}{e.Code, e.Message})
}
