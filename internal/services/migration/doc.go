// Package migration converts conversations from the legacy server-stored
// key scheme to device-derived keys.
//
// The run is tracked as NotStarted, InProgress, then Completed or Failed in
// the directory's migration ledger. Legacy records are only marked migrated;
// deleting them is a separate Cleanup step gated on completion.
package migration
