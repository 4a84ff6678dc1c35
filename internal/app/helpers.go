package app

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// parseICEServers converts config URL strings to pion's server records.
// TURN credentials ride in the URL itself (turn:user:pass@host:port) and are
// split out, since pion wants them as separate fields.
func parseICEServers(urls []string) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		scheme, rest, ok := strings.Cut(raw, ":")
		if !ok {
			continue
		}
		if scheme == "turn" || scheme == "turns" {
			if at := strings.LastIndex(rest, "@"); at >= 0 {
				user, pass, _ := strings.Cut(rest[:at], ":")
				out = append(out, webrtc.ICEServer{
					URLs:       []string{scheme + ":" + rest[at+1:]},
					Username:   user,
					Credential: pass,
				})
				continue
			}
		}
		out = append(out, webrtc.ICEServer{URLs: []string{raw}})
	}
	return out
}
