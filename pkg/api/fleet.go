package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nubiot/fleetsync/pkg/types"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var device types.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if device.Type == "" || device.GroupID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type and group_id are required"})
		return
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	device.CreatedAt = time.Now().UTC()

	if _, err := s.store.GetDeviceGroup(device.GroupID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateDevice(&device); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDevice(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeviceGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListDeviceGroups()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleCreateDeviceGroup(w http.ResponseWriter, r *http.Request) {
	var group types.DeviceGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if group.CredentialID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "credential_id is required"})
		return
	}
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	group.CreatedAt = time.Now().UTC()

	if _, err := s.store.GetCredential(group.CredentialID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateDeviceGroup(&group); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleDeleteDeviceGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDeviceGroup(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.ListCredentials()
	if err != nil {
		writeError(w, err)
		return
	}
	// Secrets stay server-side.
	redacted := make([]*types.TenantCredential, 0, len(creds))
	for _, c := range creds {
		cc := *c
		cc.AppSecret = ""
		redacted = append(redacted, &cc)
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var cred types.TenantCredential
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if cred.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project_id is required"})
		return
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if err := s.store.CreateCredential(&cred); err != nil {
		writeError(w, err)
		return
	}
	cred.AppSecret = ""
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCredential(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
