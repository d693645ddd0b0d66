package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/origin"
)

const (
	iceAllowedMethods  = "GET,OPTIONS"
	icePreflightMaxAge = "600"
)

// withICECORS gates an ICE route on the origin policy shared with the
// signaling upgrade. Browser callers get CORS headers echoing their normalized
// origin; an OPTIONS preflight is answered here without reaching next.
func (s *Server) withICECORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !origin.CheckRequest(r, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if allowOrigin, _, ok := origin.NormalizeHeader(r.Header.Get("Origin")); ok {
			setICECORSHeaders(w.Header(), allowOrigin)
			if isPreflight(r) {
				writePreflight(w, r)
				return
			}
		}

		next(w, r)
	}
}

func setICECORSHeaders(h http.Header, allowOrigin string) {
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", "X-Request-ID")
	h.Add("Vary", "Origin")
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func writePreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", iceAllowedMethods)
	if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
	}
	h.Set("Access-Control-Max-Age", icePreflightMaxAge)
	w.WriteHeader(http.StatusNoContent)
}
