package web

import (
	"net"
	"net/http"

	"github.com/inercia/relay/internal/defense"
)

// defenseMiddleware reports the outcome of every request to the guard.
func defenseMiddleware(guard *defense.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if guard == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &accessLogResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			guard.Observe(defense.NormalizeIP(clientIP(r)), r.URL.Path, rec.statusCode)
		})
	}
}

// guardListener refuses connections from blocked clients when the guard is
// enabled.
func (s *Server) guardListener(l net.Listener) net.Listener {
	if s.guard == nil {
		return l
	}
	fl := defense.NewFilteredListener(l, s.guard, s.logger)
	fl.OnRejected = func(ip, reason string) {
		s.accessLogger.LogRejected(ip, reason)
	}
	return fl
}
