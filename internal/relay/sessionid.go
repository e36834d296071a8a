package relay

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/danmuck/fcgirelay/internal/fcgi"
)

// Tracking selects the preferred session id source.
type Tracking string

const (
	TrackURL     Tracking = "url"
	TrackCookies Tracking = "cookies"
)

const DefaultSessionParam = "sid"

// SessionMatcher finds the session id a request carries.
type SessionMatcher struct {
	length      int
	tracking    Tracking
	reloadIsNew bool
	query       *regexp.Regexp
}

// NewSessionMatcher builds a matcher for ids of exactly length characters
// carried in the query parameter param.
func NewSessionMatcher(length int, param string, tracking Tracking, reloadIsNew bool) (*SessionMatcher, error) {
	if length <= 0 {
		return nil, fmt.Errorf("relay: invalid session id length %d", length)
	}
	param = strings.TrimSpace(param)
	if param == "" {
		param = DefaultSessionParam
	}
	switch tracking {
	case TrackURL, TrackCookies:
	case "":
		tracking = TrackURL
	default:
		return nil, fmt.Errorf("relay: invalid tracking mode %q", tracking)
	}
	pattern := fmt.Sprintf(`(?:^|[&;])%s=([A-Za-z0-9]{%d})(?:$|[&;#])`, regexp.QuoteMeta(param), length)
	return &SessionMatcher{
		length:      length,
		tracking:    tracking,
		reloadIsNew: reloadIsNew,
		query:       regexp.MustCompile(pattern),
	}, nil
}

// FromQuery returns the id in a raw query string, or "".
func (m *SessionMatcher) FromQuery(query string) string {
	sub := m.query.FindStringSubmatch(query)
	if sub == nil {
		return ""
	}
	return sub[1]
}

// FromCookie returns the id stored in the cookie named after scriptName, or
// "" when the header is malformed or holds no usable value.
func (m *SessionMatcher) FromCookie(header, scriptName string) string {
	if header == "" || scriptName == "" {
		return ""
	}
	pairs, ok := parseCookieHeader(header)
	if !ok {
		return ""
	}
	want := CookieName(scriptName)
	for _, p := range pairs {
		if p.name != want {
			if decoded, err := url.QueryUnescape(p.name); err != nil || decoded != scriptName {
				continue
			}
		}
		if m.validID(p.value) {
			return p.value
		}
		return ""
	}
	return ""
}

// Match picks the session id for a request from its decoded parameters.
func (m *SessionMatcher) Match(params fcgi.Params) string {
	query, _ := params.Lookup("QUERY_STRING")
	fromQuery := m.FromQuery(query)

	cookieHeader, ok := params.Lookup("HTTP_COOKIE")
	if !ok {
		cookieHeader, _ = params.Lookup("COOKIE")
	}
	script, _ := params.Lookup("SCRIPT_NAME")
	fromCookie := m.FromCookie(cookieHeader, script)

	if fromCookie == "" {
		return fromQuery
	}
	if fromQuery == "" || (m.tracking == TrackCookies && !m.reloadIsNew) {
		return fromCookie
	}
	return fromQuery
}

func (m *SessionMatcher) validID(v string) bool {
	if len(v) != m.length {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// CookieName is the percent-encoded script path used as the session cookie
// name.
func CookieName(scriptName string) string {
	return strings.ReplaceAll(url.QueryEscape(scriptName), "+", "%20")
}

type cookiePair struct {
	name  string
	value string
}

// parseCookieHeader splits "a=1; b=\"2\"" into pairs. Any malformed pair
// rejects the whole header.
func parseCookieHeader(header string) ([]cookiePair, bool) {
	var out []cookiePair
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, false
		}
		name := strings.TrimSpace(part[:eq])
		value := strings.TrimSpace(part[eq+1:])
		if name == "" || !validCookieToken(name) {
			return nil, false
		}
		if strings.HasPrefix(value, `"`) || strings.HasSuffix(value, `"`) {
			if len(value) < 2 || value[0] != '"' || value[len(value)-1] != '"' {
				return nil, false
			}
			value = value[1 : len(value)-1]
		}
		if !validCookieValue(value) {
			return nil, false
		}
		out = append(out, cookiePair{name: name, value: value})
	}
	return out, true
}

func validCookieToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || c == '"' || c == ',' || c == '\\' {
			return false
		}
	}
	return true
}

func validCookieValue(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || c == '"' || c == ',' || c == ';' || c == '\\' {
			return false
		}
	}
	return true
}
