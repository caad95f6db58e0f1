// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/urfave/negroni"

	"github.com/fleetwarden/fleetwarden/internal/logging"
)

// authMiddleware guards mutating endpoints with the capability token. The
// comparison is constant-time; an unconfigured token locks the endpoints
// rather than opening them.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token.IsEmpty() {
			httpError(w, http.StatusForbidden, "no api token configured")
			return
		}
		presented := r.Header.Get(tokenHeader)
		if presented == "" {
			httpError(w, http.StatusUnauthorized, tokenHeader+" header is required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), a.token.Bytes()) != 1 {
			httpError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		nw := negroni.NewResponseWriter(w)
		next.ServeHTTP(nw, r)
		logging.Infof("api: %s %s %d %dB %s", r.Method, r.URL.Path, nw.Status(), nw.Size(), time.Since(start))
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Errorf("api: panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				httpError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
