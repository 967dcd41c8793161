package handlers

import (
	"net/http"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/models"
)

type KeyHandler struct {
	Keys *keys.Service
}

type roomKeyVersionRequest struct {
	Version int                  `json:"version"`
	Copies  []models.RoomKeyCopy `json:"copies"`
}

func (h *KeyHandler) GetMine(w http.ResponseWriter, r *http.Request) {
	kp, err := h.Keys.GetKeyPair(r.Context(), caller(r))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kp)
}

// Initialize stores the caller's first key pair. Repeating it returns the
// existing pair with 200.
func (h *KeyHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req keys.UploadKeyPair
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	kp, created, err := h.Keys.InitializeUserEncryption(r.Context(), caller(r), req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, kp)
}

func (h *KeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req keys.UploadKeyPair
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	kp, err := h.Keys.RotateUserKeyPair(r.Context(), caller(r), req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kp)
}

func (h *KeyHandler) PublicKeys(w http.ResponseWriter, r *http.Request) {
	pubs, err := h.Keys.GetPublicKeys(r.Context(), caller(r), pathVar(r, "id"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pubs)
}

func (h *KeyHandler) RoomKey(w http.ResponseWriter, r *http.Request) {
	version, err := intQuery(r, "version")
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	rk, err := h.Keys.GetRoomKey(r.Context(), caller(r), pathVar(r, "id"), int(version))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rk)
}

func (h *KeyHandler) Versions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Keys.ListRoomKeyVersions(r.Context(), caller(r), pathVar(r, "id"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if versions == nil {
		versions = []models.RoomKeyVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *KeyHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req roomKeyVersionRequest
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	v, err := h.Keys.CreateRoomKeyVersion(r.Context(), caller(r), pathVar(r, "id"), req.Version, req.Copies)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *KeyHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req roomKeyVersionRequest
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	inserted, err := h.Keys.ProvisionRoomKeys(r.Context(), caller(r), pathVar(r, "id"), req.Version, req.Copies)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if inserted == nil {
		inserted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"provisioned": inserted})
}
