package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nubiot/fleetsync/pkg/types"
)

func streamParams(r *http.Request) (types.DeviceType, string) {
	return types.DeviceType(chi.URLParam(r, "deviceType")), chi.URLParam(r, "sensorID")
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	states, err := s.reg.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

type discoverRequest struct {
	DeviceType types.DeviceType      `json:"device_type"`
	SensorID   string                `json:"sensor_id"`
	SensorName string                `json:"sensor_name"`
	ValueKind  types.SensorValueKind `json:"value_kind"`
}

func (s *Server) handleDiscoverSensor(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.DeviceType == "" || req.SensorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_type and sensor_id are required"})
		return
	}
	if req.ValueKind == "" {
		req.ValueKind = types.ValueKindNumeric
	}

	state, err := s.reg.DiscoverSensor(req.DeviceType, req.SensorID, req.SensorName, req.ValueKind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	deviceType, sensorID := streamParams(r)
	state, err := s.reg.CurrentState(deviceType, sensorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEnableSensor(w http.ResponseWriter, r *http.Request) {
	deviceType, sensorID := streamParams(r)
	state, err := s.reg.Enable(r.Context(), deviceType, sensorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleDisableSensor(w http.ResponseWriter, r *http.Request) {
	deviceType, sensorID := streamParams(r)
	state, err := s.reg.Disable(r.Context(), deviceType, sensorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type backfillBody struct {
	From time.Time  `json:"from"`
	To   *time.Time `json:"to,omitempty"`
}

func (s *Server) handleBackfillRange(w http.ResponseWriter, r *http.Request) {
	deviceType, sensorID := streamParams(r)

	var body backfillBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if body.From.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from is required"})
		return
	}

	err := s.reg.AddRange(r.Context(), types.BackfillRequest{
		DeviceType: deviceType,
		SensorID:   sensorID,
		From:       body.From,
		To:         body.To,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": fmt.Sprintf("backfill accepted for %s", types.SensorKey(deviceType, sensorID)),
	})
}
