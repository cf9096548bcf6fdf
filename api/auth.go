/*
auth.go - Request principal

PRINCIPALS:
  Authorization: Bearer <admin token>  -> admin (also used by the worker)
  X-Account-ID: <account id>           -> that account

  Requests carrying neither are rejected with 401. A bearer token that does
  not match is rejected too, even when an account header is present.
  Session issuance lives outside this service.

  The cron trigger is authenticated separately with its own secret.
*/
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/warp/operation-ledger/engine"
)

type principalKey struct{}

func withCaller(ctx context.Context, c engine.Caller) context.Context {
	return context.WithValue(ctx, principalKey{}, c)
}

func callerFrom(ctx context.Context) engine.Caller {
	c, _ := ctx.Value(principalKey{}).(engine.Caller)
	return c
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func tokenMatches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// principal resolves the caller and stores it on the request context.
func principal(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := bearerToken(r); token != "" {
				if !tokenMatches(token, adminToken) {
					writeError(w, http.StatusUnauthorized, "invalid credential", nil)
					return
				}
				next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), engine.Caller{ID: engine.ActorAdmin, Admin: true})))
				return
			}
			if id := strings.TrimSpace(r.Header.Get("X-Account-ID")); id != "" {
				next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), engine.Caller{ID: id})))
				return
			}
			writeError(w, http.StatusUnauthorized, "missing credential", nil)
		})
	}
}

// requireAdmin rejects non-admin principals with 403.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r.Context()).Admin {
			writeError(w, http.StatusForbidden, "admin only", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
