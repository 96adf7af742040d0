// Package httpx holds the header-normalization helpers behind the gateway's
// browser-origin policy.
package httpx

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var errOriginMismatch = errors.New("origin not allowed")

// HostnameWithoutPort reduces a Host header value to its bare hostname:
// ports are stripped and bracketed IPv6 literals unwrapped.
func HostnameWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// VerifyOrigin applies the browser-origin policy for a connection upgrade.
// A missing Origin header passes (non-browser clients send none). Otherwise
// the origin hostname must match the allow-list or the request's own Host,
// ports ignored on both sides. When the edge proxy supplies
// X-Forwarded-Proto, the origin scheme must agree with it.
func VerifyOrigin(r *http.Request, allowedHostnames []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return errOriginMismatch
	}
	originHost := u.Hostname()
	if originHost == "" || u.Scheme == "" {
		return errOriginMismatch
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" && !strings.EqualFold(u.Scheme, proto) {
		return errOriginMismatch
	}
	expected := HostnameWithoutPort(r.Host)
	if expected != "" && strings.EqualFold(originHost, expected) {
		return nil
	}
	for _, h := range allowedHostnames {
		if strings.EqualFold(originHost, HostnameWithoutPort(h)) {
			return nil
		}
	}
	return errOriginMismatch
}
