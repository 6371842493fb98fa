// Package trustcore implements a trust and access security core: local
// credential verification with brute-force lockout, opaque bearer session
// tokens bound to a client fingerprint, windowed rate limiting, input threat
// inspection, and a hash-chained tamper-evident audit ledger.
//
// The Server type orchestrates the pipeline; Handler exposes it over HTTP.
// Storage is pluggable through the interfaces in the storage package, with
// in-memory, Valkey, and Postgres backends provided.
//
// Basic usage:
//
//	store := memory.New()
//	limiter := security.NewLimiter(store, cfg.RateLimitClasses(), nil)
//	ledger := audit.NewLog(store, nil)
//	server, err := trustcore.NewServer(store, store, store, limiter, ledger, cfg)
//
// Bearer secrets are generated from a CSPRNG and returned to the client
// exactly once; only their SHA-256 hash is ever stored.
package trustcore
