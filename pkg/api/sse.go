package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nubiot/fleetsync/pkg/events"
	"github.com/nubiot/fleetsync/pkg/log"
	"github.com/nubiot/fleetsync/pkg/types"
)

// handleProgressStream pushes sync progress updates as server-sent
// events. Mounted both per stream (URL params narrow the topic) and
// globally at /v1/progress, where ?device_type=X&sensor_id=Y filters
// and the bare path delivers every update.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	deviceType := chi.URLParam(r, "deviceType")
	sensorID := chi.URLParam(r, "sensorID")
	if deviceType == "" || sensorID == "" {
		deviceType = r.URL.Query().Get("device_type")
		sensorID = r.URL.Query().Get("sensor_id")
	}
	topic := events.TopicAll
	if deviceType != "" && sensorID != "" {
		topic = types.SensorKey(types.DeviceType(deviceType), sensorID)
	}

	sub := s.notifier.Subscribe(topic)
	defer s.notifier.Unsubscribe(topic, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				log.WithComponent("api").Error().Err(err).Msg("Failed to encode progress update")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
