package gatekeeper

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/onnwee/gatekeeper/internal/api"
	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/detect"
	"github.com/onnwee/gatekeeper/internal/identity"
	"github.com/onnwee/gatekeeper/internal/middleware"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

type identityKey struct{}

// IdentityFrom returns the identity the gatekeeper resolved for the request.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity.Identity)
	return id, ok
}

// Middleware wraps next with the gatekeeper pipeline. Rejected requests get
// the JSON error envelope; admitted ones carry rate limit headers and the
// resolved identity on their context.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		req, err := g.RequestFromHTTP(r)
		if err != nil {
			// Unreadable bodies are left for the handler to reject.
			g.config.Logger.Debug("failed to read request body for scanning", slog.String("error", err.Error()))
		}

		d := g.Check(r.Context(), req)
		if d.Rate != nil {
			setRateHeaders(w, d)
		}
		if !d.Admitted() {
			ctx := middleware.SetErrorCode(r.Context(), d.Code)
			api.WriteError(w, ctx, d.Status, d.Code, d.Message)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, req.Identity)))
	})
}

// RequestFromHTTP builds a pipeline request from r. The body, when read, is
// restored so the downstream handler sees it unchanged.
func (g *Gatekeeper) RequestFromHTTP(r *http.Request) (Request, error) {
	req := Request{
		Identity: g.config.Resolver.Resolve(r),
		Method:   r.Method,
		Path:     r.URL.Path,
		Fields:   make(map[string]string),
		Context:  audit.RequestContextFrom(r),
	}

	req.Fields["path"] = r.URL.Path
	if q := r.URL.Query(); len(q) > 0 {
		detect.FieldsFromValues("query", q, req.Fields)
	}

	err := g.readBodyFields(r, req.Fields)
	return req, err
}

func (g *Gatekeeper) readBodyFields(r *http.Request, fields map[string]string) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json", "application/x-www-form-urlencoded", "application/cbor", "text/plain":
	default:
		return nil
	}

	limit := g.config.MaxBodyBytes
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
		return err
	}

	truncated := int64(len(buf)) > limit
	if truncated {
		// Leave the remainder unread for the handler.
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
		fields["body"] = string(buf[:limit])
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	if len(buf) == 0 {
		return nil
	}

	var perr error
	switch mediaType {
	case "application/json":
		perr = detect.FieldsFromJSON("body", buf, fields)
	case "application/cbor":
		perr = detect.FieldsFromCBOR("body", buf, fields)
	case "application/x-www-form-urlencoded":
		var values url.Values
		values, perr = url.ParseQuery(string(buf))
		if perr == nil {
			detect.FieldsFromValues("form", values, fields)
		}
	default:
		fields["body"] = string(buf)
	}
	if perr != nil {
		// Malformed structured bodies are still scanned as text.
		fields["body"] = string(buf)
	}
	return nil
}

func setRateHeaders(w http.ResponseWriter, d *Decision) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Rate.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Rate.Remaining))
	h.Set(HeaderRateLimitReset, strconv.Itoa(d.Rate.ResetSeconds()))
	if d.Code == api.ErrCodeRateLimited {
		h.Set("Retry-After", strconv.Itoa(d.Rate.ResetSeconds()))
	}
}
