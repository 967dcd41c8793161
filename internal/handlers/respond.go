package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/middleware"
	"github.com/pliu/teamchat/internal/models"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "malformed request body", err)
	}
	return nil
}

// caller returns the identity placed in the context by middleware.Auth.
func caller(r *http.Request) models.Identity {
	id, _ := middleware.IdentityFrom(r.Context())
	return id
}

func intQuery(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.Newf(apperr.CodeInvalidArgument, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}
