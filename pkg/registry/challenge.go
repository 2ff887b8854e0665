package registry

import (
	"net/http"
	"strings"
)

// challenge is one parsed WWW-Authenticate header value.
type challenge struct {
	Scheme     string
	Parameters map[string]string
}

func parseChallenges(h http.Header) []challenge {
	var out []challenge
	for _, v := range h.Values("WWW-Authenticate") {
		scheme, params := parseValueAndParams(v)
		if scheme == "" {
			continue
		}
		out = append(out, challenge{Scheme: scheme, Parameters: params})
	}
	return out
}

func bearerChallenge(h http.Header) (challenge, bool) {
	for _, c := range parseChallenges(h) {
		if c.Scheme == "bearer" {
			return c, true
		}
	}
	return challenge{}, false
}

// parseValueAndParams splits `Bearer realm="x",service="y"` into a lower-cased
// scheme and its parameters.
func parseValueAndParams(header string) (value string, params map[string]string) {
	params = make(map[string]string)
	value, s := expectToken(header)
	if value == "" {
		return "", params
	}
	value = strings.ToLower(value)
	s = "," + skipSpace(s)
	for strings.HasPrefix(s, ",") {
		var key string
		key, s = expectToken(skipSpace(s[1:]))
		if key == "" {
			return value, params
		}
		if !strings.HasPrefix(s, "=") {
			return value, params
		}
		var v string
		v, s = expectTokenOrQuoted(s[1:])
		if v == "" {
			return value, params
		}
		params[strings.ToLower(key)] = v
		s = skipSpace(s)
	}
	return value, params
}

func isTokenChar(c byte) bool {
	if c <= ' ' || c >= 0x7f {
		return false
	}
	return !strings.ContainsRune(`()<>@,;:\"/[]?={}`, rune(c))
}

func expectToken(s string) (token, rest string) {
	i := 0
	for ; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			break
		}
	}
	return s[:i], s[i:]
}

func skipSpace(s string) string {
	return strings.TrimLeft(s, " \t")
}

func expectTokenOrQuoted(s string) (value, rest string) {
	if !strings.HasPrefix(s, `"`) {
		return expectToken(s)
	}
	s = s[1:]
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			return b.String(), s[i+1:]
		case '\\':
			i++
			if i < len(s) {
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", ""
}
