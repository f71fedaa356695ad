// Package gateway serves the provider webhook and the ops endpoints.
//
// # Routes
//
//   - GET /webhook - subscription handshake, echoes hub.challenge
//   - POST /webhook - delivery; always answered 200 {"status":"ok"} unless
//     the X-Hub-Signature-256 check fails (auth.app_secret set)
//   - GET /webhook/health, GET /health - liveness
//   - GET /health/ready - pings the keyed store and the history database
//   - GET /media/stats, POST /media/cleanup - attachment cache
//   - GET /stats, GET /api/buffers, GET /api/dedupe - counters
//   - DELETE /api/buffers/{originator} - drop pending events
//   - GET /api/history/{originator}?limit=N - recent history rows
//
// The ops routes require a bearer token when auth.jwt_secret is set.
//
// # Lifecycle
//
// Run listens on server.http_addr, or on a tsnet node when tailscale is
// enabled. With tailscale.funnel the node serves public HTTPS on :443, which
// is how the provider reaches a gateway with no public address.
//
//	gw, err := gateway.New(cfg, gateway.Deps{Pipeline: p, KV: kvStore, History: history}, logger)
//	err = gw.Run(ctx) // returns after ctx is canceled and the server has drained
package gateway
