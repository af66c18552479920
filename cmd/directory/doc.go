// Package main runs the pulsecrypt directory server: the HTTP face of the
// DirectoryService that clients use for public keys, key exchange metadata,
// migration state, legacy keys and wrapped group keys.
//
// HTTP API (all JSON, under /api/v1)
//
//	GET  /keys/{user}                          latest active public key
//	POST /keys                                 publish a public key
//	POST /keys/{user}/deactivate               deactivate all but {"keep": id}
//	POST /key-exchanges                        record conversation key metadata
//	PUT  /key-exchange-status                  set pair status
//	GET  /key-exchange-status/{a}/{b}          pair status, 404 if unknown
//	GET  /migrations/{name}                    migration status
//	PUT  /migrations/{name}                    store migration status
//	GET  /legacy-keys?user={id}                legacy keys of a user
//	POST /legacy-keys                          seed a legacy key
//	GET  /legacy-keys/{conversation}           one legacy key
//	POST /legacy-keys/{conversation}/migrated  mark migrated
//	POST /legacy-keys/delete                   delete {"conversationIds": [...]}
//	GET  /groups/{group}/latest                latest group key version
//	POST /groups/{group}/versions/{v}          publish envelopes, 409 if taken
//	GET  /groups/{group}/versions/{v}/{member} one member envelope
//
// Plus GET /healthz and GET /metrics (Prometheus).
//
// Behaviour
//
//   - State lives in SQLite (server.db_path) or, with --memory, in memory and
//     is lost on exit.
//   - The server never receives private keys or conversation keys; legacy
//     keys are the exception by definition and are deleted after migration.
//   - SIGINT and SIGTERM trigger a graceful shutdown.
package main
