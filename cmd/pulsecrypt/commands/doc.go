// Package commands defines the pulsecrypt CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init             Create the local identity and publish it
//   - fingerprint      Print the identity fingerprint
//   - publish          Publish the identity public key to the directory
//   - rotate-identity  Replace the identity key pair
//   - channel          Report whether a key can be derived with a user
//   - encrypt          Encrypt a text message for a conversation
//   - decrypt          Decrypt a payload received in a conversation
//   - rotate-key       Move a conversation to a new key version
//   - group            Register a group conversation
//   - migrate          Move legacy server-held keys to derived keys
//   - migrate-cleanup  Delete migrated legacy keys from the directory
//
// # Implementation
//
// The root command loads the config file, applies flag overrides and builds
// the app.Wire before any subcommand runs; it is closed afterwards so
// background publishes and metadata writes finish before exit.
package commands
