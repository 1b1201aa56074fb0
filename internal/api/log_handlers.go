package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/gatekeeper/internal/audit"
)

// DefaultLogLimit applies when GET /admin/logs has no limit.
const DefaultLogLimit = 100

// ExportLogs handles GET /admin/logs?category&identity&type&from&to&limit&format=json|csv&anonymize.
// The body is a newest-first event array (JSON) or a CSV document.
func (h *AdminHandlers) ExportLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format := audit.ExportFormat(strings.ToLower(q.Get("format")))
	if format == "" {
		format = audit.ExportFormatJSON
	}
	if format != audit.ExportFormatJSON && format != audit.ExportFormatCSV {
		writeBadRequest(w, r, ErrCodeUnsupportedFormat, "format must be json or csv")
		return
	}

	query := audit.Query{
		Identity:  strings.TrimSpace(q.Get("identity")),
		EventType: audit.EventType(strings.ToUpper(strings.TrimSpace(q.Get("type")))),
		Category:  audit.Category(strings.ToLower(q.Get("category"))),
	}
	if query.Category != "" && !audit.ValidCategory(query.Category) {
		writeBadRequest(w, r, ErrCodeValidation, "category must be routine or security")
		return
	}

	var err error
	if query.From, err = parseTimeParam(q.Get("from"), false); err != nil {
		writeBadRequest(w, r, ErrCodeValidation, "from: "+err.Error())
		return
	}
	if query.To, err = parseTimeParam(q.Get("to"), true); err != nil {
		writeBadRequest(w, r, ErrCodeValidation, "to: "+err.Error())
		return
	}
	if !query.From.IsZero() && !query.To.IsZero() && query.To.Before(query.From) {
		writeBadRequest(w, r, ErrCodeValidation, "to must not be before from")
		return
	}

	limit, err := queryInt(r, "limit", DefaultLogLimit)
	if err != nil {
		writeBadRequest(w, r, ErrCodeValidation, err.Error())
		return
	}
	if limit == 0 || limit > h.config.MaxExportRows {
		limit = h.config.MaxExportRows
	}
	query.Limit = limit

	anonymize, _ := strconv.ParseBool(q.Get("anonymize"))

	events, err := h.config.Audit.Query(r.Context(), query)
	if err != nil {
		writeInternal(w, r, "failed to query audit log", err)
		return
	}
	data, err := audit.Render(events, format, anonymize)
	if err != nil {
		writeInternal(w, r, "failed to render audit log", err)
		return
	}

	h.config.Audit.Record(r.Context(), audit.EventLogsExported, h.clientAddress(r), audit.OutcomeSuccess, map[string]any{
		"format":     string(format),
		"count":      len(events),
		"category":   string(query.Category),
		"identity":   query.Identity,
		"anonymized": anonymize,
		"exportedBy": actor(r),
	}, audit.RequestContextFrom(r))

	switch format {
	case audit.ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.csv"`, time.Now().UTC().Format("20060102T150405Z")))
	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to write audit export", "error", err)
	}
}

// parseTimeParam accepts RFC 3339 timestamps or YYYY-MM-DD dates. A bare
// date used as an upper bound covers the whole day.
func parseTimeParam(v string, endOfDay bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD date")
	}
	if endOfDay {
		return d.Add(24*time.Hour - time.Nanosecond), nil
	}
	return d, nil
}
