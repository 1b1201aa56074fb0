// Package identity resolves the caller identity used to scope rate limits and bans.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/onnwee/gatekeeper/internal/middleware"
)

// ErrInvalidAddress is returned when a string is not a usable IP address.
var ErrInvalidAddress = errors.New("invalid network address")

// DefaultHeaders lists the proxy headers consulted, in precedence order,
// before falling back to the connection's remote address.
var DefaultHeaders = []string{
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
}

// Identity is the resolved caller of a single request.
// It is derived per request and never persisted on its own.
type Identity struct {
	Address   string
	UserAgent string
	AccountID string
}

// Keys returns the rate-window keys for the caller. The bare address is
// always first, so rotating the client signature never resets it. With a
// user agent present a second key pairs the signature with the address's
// network (/24 for IPv4, /64 for IPv6), so rotating addresses inside one
// network under the same signature shares a window.
// This is a heuristic, not a security boundary.
func (i Identity) Keys() []string {
	if i.UserAgent == "" {
		return []string{i.Address}
	}
	sum := sha256.Sum256([]byte(i.UserAgent))
	return []string{i.Address, networkOf(i.Address) + "|ua:" + hex.EncodeToString(sum[:4])}
}

func networkOf(address string) string {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return address
	}
	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return address
	}
	return prefix.String()
}

// Resolver extracts an Identity from an HTTP request.
type Resolver struct {
	// Headers are consulted in order; the first plausible address wins.
	// An empty list means only RemoteAddr is trusted.
	Headers []string
}

// NewResolver returns a resolver that trusts the default proxy headers.
func NewResolver() *Resolver {
	return &Resolver{Headers: DefaultHeaders}
}

// Resolve returns the identity of the caller that sent r.
func (res *Resolver) Resolve(r *http.Request) Identity {
	return Identity{
		Address:   res.address(r),
		UserAgent: r.UserAgent(),
		AccountID: middleware.GetAccountID(r.Context()),
	}
}

func (res *Resolver) address(r *http.Request) string {
	for _, h := range res.Headers {
		raw := r.Header.Get(h)
		if raw == "" {
			continue
		}
		// X-Forwarded-For style lists: the left-most plausible entry is the client.
		for _, part := range strings.Split(raw, ",") {
			if addr, err := NormalizeAddress(part); err == nil {
				return addr
			}
		}
	}

	if addr, err := NormalizeAddress(r.RemoteAddr); err == nil {
		return addr
	}
	return r.RemoteAddr
}

// NormalizeAddress parses s as an IP address, stripping an optional port,
// brackets and IPv6 zone, and converting IPv4-mapped IPv6 to plain IPv4.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidAddress
	}

	// Strip port properly for both IPv4 and IPv6
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", ErrInvalidAddress
	}
	addr = addr.WithZone("").Unmap()
	if !addr.IsValid() || addr.IsUnspecified() {
		return "", ErrInvalidAddress
	}
	return addr.String(), nil
}
