package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/onnwee/gatekeeper/internal/alert"
	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/auth"
	"github.com/onnwee/gatekeeper/internal/ban"
	"github.com/onnwee/gatekeeper/internal/identity"
	"github.com/onnwee/gatekeeper/internal/middleware"
)

// BanService is the ban store surface the operator API needs.
type BanService interface {
	Ban(ctx context.Context, req ban.BanRequest) (*ban.Record, error)
	Unban(ctx context.Context, id, unbannedBy string) (*ban.Record, error)
	List(ctx context.Context, opts ban.ListOptions) (*ban.Page, error)
}

// AuditService records operator actions and serves log queries.
type AuditService interface {
	Record(ctx context.Context, eventType audit.EventType, subject, outcome string, details map[string]any, rc audit.RequestContext) *audit.Event
	Query(ctx context.Context, q audit.Query) ([]audit.Event, error)
}

// AlertService serves alert queries and acknowledgements.
type AlertService interface {
	Recent(ctx context.Context, days int, level alert.Level) ([]alert.Record, error)
	CountsByLevel(ctx context.Context, days int) (map[alert.Level]int, error)
	Acknowledge(ctx context.Context, id string) (*alert.Record, error)
}

// TokenValidator verifies operator bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// AdminConfig configures the operator API.
type AdminConfig struct {
	Bans   BanService
	Audit  AuditService
	Alerts AlertService
	Tokens TokenValidator
	// Resolver derives the caller address recorded on operator audit events.
	Resolver *identity.Resolver
	// Hub is optional; without it the alert stream endpoint is not registered.
	Hub          *alert.Hub
	AlertMetrics *alert.Metrics
	// Role required on the token. Defaults to auth.RoleAdmin.
	Role string
	// MaxExportRows caps GET /admin/logs. Defaults to DefaultMaxExportRows.
	MaxExportRows int
	// CheckOrigin validates websocket origins; nil allows all.
	CheckOrigin func(r *http.Request) bool
}

// DefaultMaxExportRows bounds a single log query.
const DefaultMaxExportRows = 10000

// AdminHandlers implements the operator endpoints under /admin.
type AdminHandlers struct {
	config   AdminConfig
	upgrader websocket.Upgrader
}

// NewAdminHandlers creates the operator API handlers.
func NewAdminHandlers(config AdminConfig) *AdminHandlers {
	if config.Role == "" {
		config.Role = auth.RoleAdmin
	}
	if config.MaxExportRows <= 0 {
		config.MaxExportRows = DefaultMaxExportRows
	}
	if config.Resolver == nil {
		config.Resolver = identity.NewResolver()
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &AdminHandlers{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Register mounts every operator route on mux behind the admin token check.
func (h *AdminHandlers) Register(mux *http.ServeMux) {
	protect := h.RequireRole
	mux.Handle("POST /admin/bans", protect(http.HandlerFunc(h.CreateBan)))
	mux.Handle("GET /admin/bans", protect(http.HandlerFunc(h.ListBans)))
	mux.Handle("DELETE /admin/bans/{identity}", protect(http.HandlerFunc(h.DeleteBan)))
	mux.Handle("GET /admin/logs", protect(http.HandlerFunc(h.ExportLogs)))
	mux.Handle("GET /admin/alerts", protect(http.HandlerFunc(h.ListAlerts)))
	mux.Handle("GET /admin/alerts/counts", protect(http.HandlerFunc(h.AlertCounts)))
	mux.Handle("POST /admin/alerts/{id}/ack", protect(http.HandlerFunc(h.AcknowledgeAlert)))
	if h.config.Hub != nil {
		mux.Handle("GET /admin/alerts/stream", protect(http.HandlerFunc(h.StreamAlerts)))
	}
}

type claimsKey struct{}

// ClaimsFrom returns the operator claims stored by RequireRole.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

// RequireRole rejects requests without a valid operator token. Websocket
// upgrades may pass the token as the access_token query parameter since
// browsers cannot set headers on them.
func (h *AdminHandlers) RequireRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil && websocket.IsWebSocketUpgrade(r) {
			if q := r.URL.Query().Get("access_token"); q != "" {
				token, err = q, nil
			}
		}

		var claims *auth.Claims
		if err == nil {
			claims, err = h.config.Tokens.ValidateToken(token)
		}
		if err != nil {
			h.auditAccessDenied(r, "", err.Error())
			Fail(w, r, ErrCodeAuthFailed, "Valid operator token required")
			return
		}
		if !claims.HasRole(h.config.Role) {
			h.auditAccessDenied(r, claims.Subject, "missing role "+h.config.Role)
			Fail(w, r, ErrCodeForbidden, "Insufficient permissions")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = middleware.SetAccountID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *AdminHandlers) auditAccessDenied(r *http.Request, subject, reason string) {
	details := map[string]any{"reason": reason}
	if subject != "" {
		details["subject"] = subject
	}
	h.config.Audit.Record(r.Context(), audit.EventAdminAccess, h.clientAddress(r), audit.OutcomeFailure, details, audit.RequestContextFrom(r))
}

// actor returns the token subject for the request.
func actor(r *http.Request) string {
	if c := ClaimsFrom(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}

// clientAddress is the address recorded on operator audit events.
func (h *AdminHandlers) clientAddress(r *http.Request) string {
	return h.config.Resolver.Resolve(r).Address
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, code, message string) {
	WriteError(w, middleware.SetErrorCode(r.Context(), code), http.StatusBadRequest, code, message)
}

func writeInternal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.ErrorContext(r.Context(), msg, "error", err)
	Fail(w, r, ErrCodeInternal, "Internal server error")
}
