// Package authrelay coordinates authentication and authorization across
// three external systems: an OIDC identity provider that owns credentials
// and mints tokens, a policy decision service that answers permission
// questions, and a Redis store that holds every cache entry and short-lived
// record under a TTL.
//
// The engine implements the flows between those systems rather than the
// systems themselves: password login with second-factor hand-off, magic
// link passwordless login and registration, TOTP, SMS, email, and backup
// code verification, device trust bypass, cached token validation, and
// cached permission checks that fail closed.
//
// Construct an engine with [NewBuilder]:
//
//	engine, err := authrelay.NewBuilder().
//		WithConfig(cfg).
//		WithLogger(logger).
//		Build(ctx)
//
// The engine holds no credentials and no durable user records. Everything
// it persists is reconstructible: flushing the store logs users out and
// re-issues pending challenges, nothing more.
package authrelay
