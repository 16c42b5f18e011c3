package api

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
)

// parseIP returns nil for an empty or unparsable address instead of
// net.ParseIP's bare nil, so callers can use it directly as a guard.
func parseIP(s string) net.IP {
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// decodeJSON unmarshals a request body into dst, bounded to a sane
// size so a malicious caller can't exhaust memory with a huge body.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}
