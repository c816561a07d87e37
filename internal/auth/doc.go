// Package auth authenticates chat users.
//
// Clients present an HS256 JWT whose "sub" claim is their user id, either as
// an "Authorization: Bearer" header or as the access_token query parameter
// (needed for browser websocket upgrades). HTTPAuthMiddleware verifies the
// token, loads the user and stores an Identity in the request context:
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(store, verifier)(api))
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    id := auth.MustFromContext(r.Context())
//	    ...
//	}
//
// Token issuance for real users is handled elsewhere; Generate exists for the
// CLI and tests.
package auth
