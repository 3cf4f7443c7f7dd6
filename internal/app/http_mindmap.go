package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const sseKeepaliveInterval = 15 * time.Second

// handleMindmapStream serves GET /api/learn/{id}/mindmap/stream. Each stream
// owns one view: a "view" event names it, then every controller transition
// arrives as a "state" event until the client disconnects.
func (s *HTTPServer) handleMindmapStream(w http.ResponseWriter, r *http.Request, session Session, spaceID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming not supported", nil)
		return
	}

	ctx := r.Context()
	view, err := s.service.OpenMindmapView(ctx, session, spaceID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer s.service.CloseMindmapView(view.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(w, "view", map[string]any{"viewId": view.ID, "spaceId": view.SpaceID}); err != nil {
		return
	}
	if err := writeSSEEvent(w, "state", view.State()); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	updates := view.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, "state", state); err != nil {
				s.logger.Debug("mindmap stream write failed", zap.String("view_id", view.ID), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event:%s\ndata:%s\n\n", event, data)
	return err
}
