// Package auth provides optional token authentication for coven-chat.
//
// # JWT Tokens
//
// Browser and API clients authenticate with HS256 JWTs signed with the
// configured auth.jwt_secret. The secret must be at least MinSecretLength
// bytes. Tokens carry the client identity in the "sub" claim and must have
// an expiry.
//
//	v, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("alice", 24*time.Hour)
//	subject, err := v.Verify(token)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware guards the API and WebSocket routes. It reads the token
// from the Authorization header ("Bearer <token>") or, for WebSocket
// upgrades, from the "token" query parameter. Failures answer 401 with a
// JSON error body.
//
// Handlers read the verified identity with FromContext or SubjectFromContext.
// When no secret is configured the middleware is not installed and every
// request is anonymous.
package auth
