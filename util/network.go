package util

import (
	"net"
	"strconv"
	"strings"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// StripScheme removes a leading ws://, wss://, http:// or https:// from
// s.  secure reports whether the scheme implied TLS; ok is false when
// no scheme was present.
func StripScheme(s string) (rest string, secure, ok bool) {
	for _, p := range []struct {
		prefix string
		secure bool
	}{
		{"wss://", true},
		{"https://", true},
		{"ws://", false},
		{"http://", false},
	} {
		if strings.HasPrefix(strings.ToLower(s), p.prefix) {
			return s[len(p.prefix):], p.secure, true
		}
	}
	return s, false, false
}
