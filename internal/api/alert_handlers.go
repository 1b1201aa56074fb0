package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/onnwee/gatekeeper/internal/alert"
	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/middleware"
)

// maxAlertDays bounds the days query parameter.
const maxAlertDays = 90

// ListAlertsResponse is returned by GET /admin/alerts.
type ListAlertsResponse struct {
	Success bool           `json:"success"`
	Days    int            `json:"days"`
	Alerts  []alert.Record `json:"alerts"`
}

// AlertCountsResponse is returned by GET /admin/alerts/counts.
type AlertCountsResponse struct {
	Success bool                `json:"success"`
	Days    int                 `json:"days"`
	Counts  map[alert.Level]int `json:"counts"`
	Total   int                 `json:"total"`
}

// AcknowledgeAlertResponse is returned by POST /admin/alerts/{id}/ack.
type AcknowledgeAlertResponse struct {
	Success        bool          `json:"success"`
	AcknowledgedBy string        `json:"acknowledgedBy"`
	Alert          *alert.Record `json:"alert"`
}

func alertDays(r *http.Request) (int, error) {
	days, err := queryInt(r, "days", alert.DefaultRecentDays)
	if err != nil {
		return 0, err
	}
	if days == 0 {
		days = alert.DefaultRecentDays
	}
	if days > maxAlertDays {
		days = maxAlertDays
	}
	return days, nil
}

// ListAlerts handles GET /admin/alerts?days&level.
func (h *AdminHandlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	days, err := alertDays(r)
	if err != nil {
		writeBadRequest(w, r, ErrCodeValidation, err.Error())
		return
	}

	var level alert.Level
	if v := strings.TrimSpace(r.URL.Query().Get("level")); v != "" {
		if level, err = alert.ParseLevel(v); err != nil {
			writeBadRequest(w, r, ErrCodeValidation, "level must be one of LOW, MEDIUM, HIGH, CRITICAL")
			return
		}
	}

	recs, err := h.config.Alerts.Recent(r.Context(), days, level)
	if err != nil {
		writeInternal(w, r, "failed to list alerts", err)
		return
	}
	if recs == nil {
		recs = []alert.Record{}
	}
	WriteJSON(w, r.Context(), http.StatusOK, ListAlertsResponse{Success: true, Days: days, Alerts: recs})
}

// AlertCounts handles GET /admin/alerts/counts?days.
func (h *AdminHandlers) AlertCounts(w http.ResponseWriter, r *http.Request) {
	days, err := alertDays(r)
	if err != nil {
		writeBadRequest(w, r, ErrCodeValidation, err.Error())
		return
	}

	counts, err := h.config.Alerts.CountsByLevel(r.Context(), days)
	if err != nil {
		writeInternal(w, r, "failed to count alerts", err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	WriteJSON(w, r.Context(), http.StatusOK, AlertCountsResponse{Success: true, Days: days, Counts: counts, Total: total})
}

// AcknowledgeAlert handles POST /admin/alerts/{id}/ack.
func (h *AdminHandlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeBadRequest(w, r, ErrCodeValidation, "alert id is required")
		return
	}

	rec, err := h.config.Alerts.Acknowledge(r.Context(), id)
	if err != nil {
		if errors.Is(err, alert.ErrNotFound) {
			Fail(w, r, ErrCodeNotFound, "Alert not found")
			return
		}
		writeInternal(w, r, "failed to acknowledge alert", err)
		return
	}

	by := actor(r)
	h.config.Audit.Record(r.Context(), audit.EventAlertAcknowledged, h.clientAddress(r), audit.OutcomeSuccess, map[string]any{
		"alertId":        rec.ID,
		"level":          string(rec.Level),
		"title":          rec.Title,
		"acknowledgedBy": by,
	}, audit.RequestContextFrom(r))

	WriteJSON(w, r.Context(), http.StatusOK, AcknowledgeAlertResponse{Success: true, AcknowledgedBy: by, Alert: rec})
}

// StreamAlerts handles GET /admin/alerts/stream. Every alert raised after the
// connection opens is pushed as a JSON text message.
func (h *AdminHandlers) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}

	hub := h.config.Hub
	hub.Subscribe(conn)
	h.config.AlertMetrics.SetStreamClients(hub.ConnectionCount())

	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "alert stream client connected",
		"operator", actor(r),
		"request_id", requestID,
	)

	defer func() {
		hub.Unsubscribe(conn)
		h.config.AlertMetrics.SetStreamClients(hub.ConnectionCount())
		conn.Close()
		slog.InfoContext(ctx, "alert stream client disconnected",
			"operator", actor(r),
			"request_id", requestID,
		)
	}()

	// Clients do not send messages; reading detects disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "alert stream closed unexpectedly", "error", err)
			}
			return
		}
	}
}
