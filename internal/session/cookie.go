package session

import (
	"net/http"
	"strings"
)

func (m *Manager) newCookie(value string, persistent bool) *http.Cookie {
	c := &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    value,
		Path:     m.opts.Path,
		HttpOnly: true,
		SameSite: m.opts.SameSite,
		Secure:   m.opts.Secure,
	}
	if persistent {
		c.MaxAge = int(m.opts.MaxAge.Seconds())
		c.Expires = m.now().Add(m.opts.MaxAge).UTC()
	}
	return c
}

// expiredCookie instructs the browser to delete the session cookie.
func (m *Manager) expiredCookie() *http.Cookie {
	c := m.newCookie("", false)
	c.MaxAge = -1
	return c
}

// stripCookieHeaders removes Max-Age and Expires from the Set-Cookie
// header of the named cookie, turning it into a browser-session cookie.
// Other Set-Cookie headers and all other attributes are left alone.
func stripCookieHeaders(h http.Header, name string) {
	values := h.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}

	rewritten := make([]string, 0, len(values))
	for _, v := range values {
		if strings.HasPrefix(v, name+"=") {
			v = stripCookieAttributes(v)
		}
		rewritten = append(rewritten, v)
	}
	h["Set-Cookie"] = rewritten
}

func stripCookieAttributes(cookie string) string {
	parts := strings.Split(cookie, ";")
	if len(parts) <= 1 {
		return cookie
	}

	kept := []string{strings.TrimSpace(parts[0])}
	for _, part := range parts[1:] {
		attr := strings.TrimSpace(part)
		lower := strings.ToLower(attr)
		if strings.HasPrefix(lower, "max-age=") || strings.HasPrefix(lower, "expires=") {
			continue
		}
		kept = append(kept, attr)
	}

	return strings.Join(kept, "; ")
}
