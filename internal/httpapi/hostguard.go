package httpapi

import (
	"net/http"

	"github.com/ent0n29/agentrunner/internal/orchestrator"
)

// HostAllowed reports whether host may use the service. An empty list admits
// everything. Otherwise host is admitted when it, or "www."+host, is listed.
// A bare apex entry does not admit its www host.
func HostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, entry := range allowed {
		if entry == host || entry == "www."+host {
			return true
		}
	}
	return false
}

// HostGuard rejects requests whose Host header is not allowed before the
// body is read.
func HostGuard(allowed []string, onDeny func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HostAllowed(r.Host, allowed) {
				if onDeny != nil {
					onDeny(r)
				}
				respondOrchestratorError(w, orchestrator.AccessDenied())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
