// Package middleware exposes HTTP adapters over the engine's validation and
// permission checks.
//
// # Guards
//
//   - [RequireAuth] — bearer-token validation through the engine's cache.
//   - [RequireRole] — RequireAuth plus a role carried by the token.
//   - [RequirePermission] — RequireAuth plus a policy decision.
//
// Each guard reads the Authorization header, consults the engine, and injects
// the validated identity into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into engine calls. It does NOT make
// authentication or authorization decisions itself — those belong to the
// identity provider and the policy service behind the engine.
package middleware
