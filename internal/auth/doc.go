// Package auth authenticates callers of the agent-bridge HTTP API.
//
// Callers present an HS256 JWT as a bearer token. The token's "sub" claim is
// the caller identity and doubles as the owner of every thread the caller
// creates; thread reads and turn submissions are rejected for other owners.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	handler = auth.HTTPMiddleware(verifier, logger)(handler)
//
// Handlers read the caller back with FromContext or OwnerFromContext.
//
// When no jwt_secret is configured the middleware runs with a nil verifier:
// every request is accepted and the owner is taken from the X-Owner-Id header,
// or "anonymous" when that is absent. This mode is meant for local development.
package auth
