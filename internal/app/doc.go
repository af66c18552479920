// Package app wires application dependencies for the CLI.
//
// It builds the key store, directory client, logger, metrics and the
// encryption services from a config.Config, exposing them via the Wire
// struct for commands to use.
package app
