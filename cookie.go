package session

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// fragmentName returns the cookie name for fragment idx under prefix, e.g.
// "sess_00", "sess_01", ....
func fragmentName(prefix string, idx int) string {
	return fmt.Sprintf("%s%02d", prefix, idx)
}

// parseFragmentIndex reports whether name is a fragment of prefix, and its
// index if so.
func parseFragmentIndex(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	suffix := name[len(prefix):]
	if len(suffix) != 2 {
		return 0, false
	}
	var idx int
	if _, err := fmt.Sscanf(suffix, "%02d", &idx); err != nil {
		return 0, false
	}
	return idx, true
}

// collectFragments gathers every cookie named "<prefix>NN" from the request,
// sorts them lexicographically by name, and concatenates their values to
// reconstruct the signed cookie value. It also returns the fragment names
// observed, which the Session needs to know which cookies to expire later.
func collectFragments(cookies []*http.Cookie, prefix string) (names []string, value string) {
	type frag struct {
		name string
		val  string
	}
	var frags []frag
	for _, c := range cookies {
		if _, ok := parseFragmentIndex(c.Name, prefix); ok {
			frags = append(frags, frag{c.Name, c.Value})
		}
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].name < frags[j].name })

	var b strings.Builder
	for _, f := range frags {
		names = append(names, f.name)
		b.WriteString(f.val)
	}
	return names, b.String()
}

// splitSigned splits a reassembled signed cookie value into its SIG, SID, and
// base64-encoded payload segments, per the §3 layout:
//
//	SIG (44 chars) || SID (43 chars) || B64(PAYLOAD) (remainder, may be empty)
func splitSigned(value string) (sigVal, sidVal, payloadB64 string, ok bool) {
	if len(value) < macLen+sidLen {
		return "", "", "", false
	}
	return value[:macLen], value[macLen : macLen+sidLen], value[macLen+sidLen:], true
}

// buildFragments splits value into chunks of at most maxLen bytes each,
// returning the cookie name/value pairs in order.
func buildFragments(value, prefix string, maxLen int) []struct {
	Name  string
	Value string
} {
	if maxLen <= 0 {
		maxLen = len(value)
		if maxLen == 0 {
			maxLen = 1
		}
	}
	var out []struct {
		Name  string
		Value string
	}
	if value == "" {
		return out
	}
	for i, start := 0, 0; start < len(value); i, start = i+1, start+maxLen {
		end := start + maxLen
		if end > len(value) {
			end = len(value)
		}
		out = append(out, struct {
			Name  string
			Value string
		}{fragmentName(prefix, i), value[start:end]})
	}
	return out
}

// formatSetCookie renders an active session cookie fragment line, per §6.
func formatSetCookie(name, value string, expires time.Time, secure bool) string {
	line := fmt.Sprintf(`%s="%s"; expires=%s; Path=/; HttpOnly`, name, value, expires.UTC().Format(http.TimeFormat))
	if secure {
		line += "; Secure"
	}
	return line
}

// expiringCookieLine renders a Set-Cookie line that expires the named cookie
// on the client, per §6.
func expiringCookieLine(name string) string {
	return fmt.Sprintf("%s=; expires=Wed, 01-Jan-1970 00:00:00 GMT; Path=/", name)
}
