package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/ban"
)

const (
	// maxAdminBodyBytes bounds operator request bodies.
	maxAdminBodyBytes = 64 << 10
	maxBanMinutes     = int64(ban.MaxDuration / time.Minute)
)

// CreateBanRequest is the body of POST /admin/bans. Identity and IP are
// aliases. DurationMinutes omitted uses the store default; an explicit null
// makes the ban permanent.
type CreateBanRequest struct {
	Identity        string          `json:"identity"`
	IP              string          `json:"ip"`
	Reason          string          `json:"reason"`
	DurationMinutes json.RawMessage `json:"durationMinutes"`
}

// CreateBanResponse is returned by POST /admin/bans.
type CreateBanResponse struct {
	Success  bool        `json:"success"`
	IP       string      `json:"ip"`
	BannedBy string      `json:"bannedBy"`
	Ban      *ban.Record `json:"ban"`
}

// UnbanResponse is returned by DELETE /admin/bans/{identity}.
type UnbanResponse struct {
	Success    bool        `json:"success"`
	UnbannedBy string      `json:"unbannedBy"`
	Ban        *ban.Record `json:"ban"`
}

// ListBansResponse is returned by GET /admin/bans.
type ListBansResponse struct {
	Success bool         `json:"success"`
	Bans    []ban.Record `json:"bans"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
	Total   int          `json:"total"`
}

// CreateBan handles POST /admin/bans.
func (h *AdminHandlers) CreateBan(w http.ResponseWriter, r *http.Request) {
	var body CreateBanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeBadRequest(w, r, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	target := strings.TrimSpace(body.Identity)
	if target == "" {
		target = strings.TrimSpace(body.IP)
	}
	if target == "" {
		writeBadRequest(w, r, ErrCodeValidation, "identity is required")
		return
	}

	req := ban.BanRequest{
		Identity: target,
		Reason:   body.Reason,
		BannedBy: actor(r),
		Source:   ban.SourceManual,
	}
	switch raw := bytes.TrimSpace(body.DurationMinutes); {
	case len(raw) == 0:
	case bytes.Equal(raw, []byte("null")):
		req.Permanent = true
	default:
		var minutes int64
		if err := json.Unmarshal(raw, &minutes); err != nil || minutes <= 0 {
			writeBadRequest(w, r, ErrCodeValidation, "durationMinutes must be a positive integer or null")
			return
		}
		if minutes > maxBanMinutes {
			writeBadRequest(w, r, ErrCodeValidation, "durationMinutes must be at most "+strconv.FormatInt(maxBanMinutes, 10)+"; use null for a permanent ban")
			return
		}
		req.Duration = time.Duration(minutes) * time.Minute
	}

	rec, err := h.config.Bans.Ban(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ban.ErrAlreadyBanned):
			Fail(w, r, ErrCodeConflict, "Identity is already banned")
		case errors.Is(err, ban.ErrInvalidIdentity):
			writeBadRequest(w, r, ErrCodeValidation, "identity must be an IP address")
		case errors.Is(err, ban.ErrInvalidReason):
			writeBadRequest(w, r, ErrCodeValidation, "reason is required and must be at most 500 characters")
		case errors.Is(err, ban.ErrInvalidDuration):
			writeBadRequest(w, r, ErrCodeValidation, "durationMinutes is out of range")
		default:
			writeInternal(w, r, "failed to create ban", err)
		}
		return
	}

	details := map[string]any{
		"banId":     rec.ID,
		"reason":    rec.Reason,
		"bannedBy":  rec.BannedBy,
		"permanent": rec.Permanent(),
	}
	if rec.ExpiresAt != nil {
		details["expiresAt"] = rec.ExpiresAt.Format(time.RFC3339)
	}
	h.config.Audit.Record(r.Context(), audit.EventIdentityBanned, rec.Identity, audit.OutcomeSuccess, details, audit.RequestContextFrom(r))

	WriteJSON(w, r.Context(), http.StatusCreated, CreateBanResponse{
		Success:  true,
		IP:       rec.Identity,
		BannedBy: rec.BannedBy,
		Ban:      rec,
	})
}

// DeleteBan handles DELETE /admin/bans/{identity}.
func (h *AdminHandlers) DeleteBan(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.PathValue("identity"))
	if target == "" {
		writeBadRequest(w, r, ErrCodeValidation, "identity is required")
		return
	}

	by := actor(r)
	rec, err := h.config.Bans.Unban(r.Context(), target, by)
	if err != nil {
		switch {
		case errors.Is(err, ban.ErrNotFound):
			Fail(w, r, ErrCodeNotFound, "No active ban for identity")
		case errors.Is(err, ban.ErrInvalidIdentity):
			writeBadRequest(w, r, ErrCodeValidation, "identity must be an IP address")
		default:
			writeInternal(w, r, "failed to remove ban", err)
		}
		return
	}

	h.config.Audit.Record(r.Context(), audit.EventIdentityUnbanned, rec.Identity, audit.OutcomeSuccess,
		map[string]any{"banId": rec.ID, "unbannedBy": by}, audit.RequestContextFrom(r))

	WriteJSON(w, r.Context(), http.StatusOK, UnbanResponse{Success: true, UnbannedBy: by, Ban: rec})
}

// ListBans handles GET /admin/bans?status=active|all&page&limit.
func (h *AdminHandlers) ListBans(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeBadRequest(w, r, ErrCodeValidation, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", ban.DefaultPageSize)
	if err != nil {
		writeBadRequest(w, r, ErrCodeValidation, err.Error())
		return
	}

	result, err := h.config.Bans.List(r.Context(), ban.ListOptions{
		Page:     page,
		PageSize: limit,
		Status:   ban.Status(r.URL.Query().Get("status")),
	})
	if err != nil {
		if errors.Is(err, ban.ErrInvalidListOptions) {
			writeBadRequest(w, r, ErrCodeValidation, "status must be active or all")
			return
		}
		writeInternal(w, r, "failed to list bans", err)
		return
	}

	bans := result.Bans
	if bans == nil {
		bans = []ban.Record{}
	}
	WriteJSON(w, r.Context(), http.StatusOK, ListBansResponse{
		Success: true,
		Bans:    bans,
		Page:    result.Page,
		Limit:   result.PageSize,
		Total:   result.Total,
	})
}
