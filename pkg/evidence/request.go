package evidence

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
)

// AddFromRequest derives evidence from an inbound HTTP request.
//
// Every header becomes "header.<name>" with the name lower-cased, except the
// Cookie header whose ';' separated entries each become "cookie.<name>".
// Query parameters become "query.<name>". The peer and local addresses become
// "server.client-ip" and "server.host-ip". A request without a RemoteAddr was
// not produced by a real connection and is rejected.
func (e *Evidence) AddFromRequest(r *http.Request) error {
	if r == nil {
		return fmt.Errorf("add evidence from request: %w", domain.ErrNoConnectionInfo)
	}
	if strings.TrimSpace(r.RemoteAddr) == "" {
		path := ""
		if r.URL != nil {
			path = r.URL.Path
		}
		return fmt.Errorf("add evidence from request %s %s: %w", r.Method, path, domain.ErrNoConnectionInfo)
	}

	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "cookie" {
			for _, raw := range values {
				e.addCookies(raw)
			}
			continue
		}
		e.Add(PrefixHeader+lower, strings.Join(values, ","))
	}

	if r.URL != nil {
		for name, values := range r.URL.Query() {
			e.Add(PrefixQuery+name, strings.Join(values, ","))
		}
	}

	e.Add(KeyClientIP, hostOnly(r.RemoteAddr))
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok && addr != nil {
		e.Add(KeyHostIP, hostOnly(addr.String()))
	}

	return nil
}

// addCookies splits a raw Cookie header. Segments without '=' or with an empty
// name are skipped rather than failing the whole header.
func (e *Evidence) addCookies(raw string) {
	for _, segment := range strings.Split(raw, ";") {
		name, value, found := strings.Cut(strings.TrimSpace(segment), "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			continue
		}
		e.Add(PrefixCookie+name, strings.TrimSpace(value))
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
