// Package directory implements the public key directory: published identity
// keys, key exchange metadata, migration state, legacy keys and wrapped group
// keys.
//
// Memory and SQLite are local backends. NewRouter serves any backend over a
// gin HTTP API and HTTP is the matching resty client, so the engine talks to
// a remote directory through the same domain.DirectoryService interface.
package directory
