// Package identity resolves who the client is from its session token.
//
// Tokens are HS256-signed JWTs issued by the backend. The user id lives in
// the "sub" claim; "name" and "picture" are optional profile claims. Two
// paths exist:
//
//   - Verify: full signature verification when the shared secret is
//     configured (local development against a stub backend).
//
//   - ParseUnverified: claim extraction without verification, the normal
//     client path. The server verifies the token on every request and
//     channel dial; the client only needs to know its own id.
//
// Generate exists for tests and local stubs.
package identity
