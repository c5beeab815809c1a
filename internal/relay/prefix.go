package relay

import (
	"net"
	"strings"
)

// SenderPrefix returns the "<ip>: " decoration for a peer address.
// An address that does not split into host and port is used as is; an empty
// address yields no prefix.
func SenderPrefix(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = strings.TrimSpace(remoteAddr)
	}
	if host == "" {
		return ""
	}
	return host + ": "
}

// WithPrefix returns payload decorated with the sender prefix for
// remoteAddr. payload is never modified.
func WithPrefix(remoteAddr string, payload []byte) []byte {
	prefix := SenderPrefix(remoteAddr)
	if prefix == "" {
		return payload
	}
	out := make([]byte, 0, len(prefix)+len(payload))
	out = append(out, prefix...)
	return append(out, payload...)
}
