package gatekeeper

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/onnwee/gatekeeper/internal/api"
	"github.com/onnwee/gatekeeper/internal/audit"
	"github.com/onnwee/gatekeeper/internal/middleware"
	"github.com/onnwee/gatekeeper/internal/ratelimit"
)

// DefaultAccountHeader is the upstream response header naming the account
// that authenticated on a login route.
const DefaultAccountHeader = "X-Account-ID"

// ProxyConfig configures NewProxy.
type ProxyConfig struct {
	// Upstream is the application the gatekeeper protects.
	Upstream *url.URL
	// AccountHeader names the response header carrying the authenticated
	// account on successful logins. Defaults to DefaultAccountHeader.
	AccountHeader string
	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
}

// NewProxy returns a reverse proxy to the upstream application. Responses to
// login routes feed auth failure tracking and new address detection: 401
// and 403 count as failures, 2xx as successes.
//
// The proxy does not run the pipeline itself; wrap it with Middleware.
func (g *Gatekeeper) NewProxy(cfg ProxyConfig) http.Handler {
	accountHeader := cfg.AccountHeader
	if accountHeader == "" {
		accountHeader = DefaultAccountHeader
	}

	proxy := httputil.NewSingleHostReverseProxy(cfg.Upstream)
	if cfg.Transport != nil {
		proxy.Transport = cfg.Transport
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		r := resp.Request
		if r == nil {
			return nil
		}
		if login, _ := r.Context().Value(loginRouteKey{}).(bool); !login {
			return nil
		}
		id, ok := IdentityFrom(r.Context())
		if !ok {
			return nil
		}
		rc := audit.RequestContextFrom(r)
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			g.RecordAuthFailure(r.Context(), id, rc)
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if account := strings.TrimSpace(resp.Header.Get(accountHeader)); account != "" {
				id.AccountID = account
			}
			resp.Header.Del(accountHeader)
			g.RecordAuthSuccess(r.Context(), id, rc)
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.config.Logger.Error("upstream request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", middleware.GetRequestID(r.Context()))
		api.Fail(w, r, api.ErrCodeBadGateway, "Upstream service unavailable")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Route matching uses the inbound path; the proxy rewrites it.
		ctx := context.WithValue(r.Context(), loginRouteKey{}, g.isLogin(r.Method, r.URL.Path))
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loginRouteKey struct{}

// isLogin reports whether method and path select the login policy.
func (g *Gatekeeper) isLogin(method, path string) bool {
	return g.Policy(method, path).Name == ratelimit.PolicyLogin
}
