// Package auth guards the ingest service's HTTP surface.
//
// Ops endpoints (statistics, cleanup, buffer and dedupe introspection) take
// an HS256 JWT bearer token signed with auth.jwt_secret. Tokens carry only a
// subject and an expiry; the "token" subcommand mints them.
//
// Webhook deliveries from the provider are signed with the app secret in the
// X-Hub-Signature-256 header. SignatureMiddleware verifies it before the body
// reaches the pipeline.
package auth
