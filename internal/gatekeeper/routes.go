package gatekeeper

import (
	"strings"

	"github.com/onnwee/gatekeeper/internal/ratelimit"
)

// RoutePolicy binds a rate policy to a path prefix and optional method.
type RoutePolicy struct {
	Prefix string
	// Method restricts the route to one HTTP method. Empty matches any.
	Method string
	Policy ratelimit.Policy
}

// Matches reports whether the route applies to method and path.
func (rp RoutePolicy) Matches(method, path string) bool {
	if rp.Method != "" && !strings.EqualFold(rp.Method, method) {
		return false
	}
	return hasPathPrefix(path, rp.Prefix)
}

// LoginRoutes returns route policies applying policy to each login path.
func LoginRoutes(paths []string, policy ratelimit.Policy) []RoutePolicy {
	out := make([]RoutePolicy, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, RoutePolicy{Prefix: p, Method: "POST", Policy: policy})
	}
	return out
}

// hasPathPrefix matches whole path segments: /login matches /login and
// /login/x but not /loginx.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func (g *Gatekeeper) exempt(path string) bool {
	for _, p := range g.config.ExemptPrefixes {
		if hasPathPrefix(path, p) {
			return true
		}
	}
	return false
}
