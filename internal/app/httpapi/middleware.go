package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
)

type ctxKey string

const ctxActorKey ctxKey = "actor"

// actorFrom returns the audit actor recorded for the request, if any.
func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(ctxActorKey).(string)
	return actor
}

// requireAPIKey gates operator endpoints behind the X-API-Key header. Device
// report endpoints authenticate per-device and are not routed through here.
func (h *handler) requireAPIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				writeError(w, http.StatusServiceUnavailable, fmt.Errorf("operator API keys not configured"))
				return
			}
			presented := r.Header.Get("X-API-Key")
			for _, key := range keys {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
					ctx := context.WithValue(r.Context(), ctxActorKey, maskKey(key))
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid API key"))
		})
	}
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// auditWriter captures the response status for the audit trail.
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
