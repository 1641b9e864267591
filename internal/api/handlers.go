package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/history"
	"github.com/nerrad567/feeder-core/internal/schedule"
)

var (
	errInvalidLimit = apperr.Validationf("limit must be a positive number.")
	errInvalidSince = apperr.Validationf("since must be an RFC 3339 timestamp.")
)

// handleView returns the client view.
func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.client.View())
}

type feedRequest struct {
	Amount int `json:"amount"`
}

// handleFeed queues a manual feed. The response only means the command was
// stored; completion arrives later as a notification.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	cmd, err := s.client.TriggerFeed(r.Context(), req.Amount)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	d, err := s.client.UpdateDeviceName(r.Context(), req.Name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateWifi(w http.ResponseWriter, r *http.Request) {
	var cfg device.WifiConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	d, err := s.client.UpdateWifiConfig(r.Context(), cfg)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.client.Schedules(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list, "count": len(list)})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var draft schedule.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	sch, err := s.client.CreateSchedule(r.Context(), draft)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var draft schedule.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	sch, err := s.client.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), draft)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.client.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.client.ToggleSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// handleHistory returns feeding events, newest first.
//
// Query parameters:
//   - limit: maximum number of events (default history.DefaultListLimit)
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAppError(w, errInvalidLimit)
			return
		}
		limit = n
	}
	events, err := s.client.History(r.Context(), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleStats returns feeding statistics.
//
// Query parameters:
//   - since: RFC 3339 lower bound (default: all time)
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeAppError(w, errInvalidSince)
			return
		}
		since = t
	}
	stats, err := s.client.Stats(r.Context(), since)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, _ *http.Request) {
	center := s.client.Notifications()
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": center.List(),
		"unread":        center.Unread(),
	})
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	if !s.client.Notifications().MarkRead(chi.URLParam(r, "id")) {
		writeAppError(w, apperr.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	if !s.client.Notifications().Dismiss(chi.URLParam(r, "id")) {
		writeAppError(w, apperr.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, _ *http.Request) {
	s.client.Notifications().Clear()
	w.WriteHeader(http.StatusNoContent)
}
