// Package envelope is the stable JSON schema for message plaintexts.
//
// The whole MessageEnvelope (type, text, attachment, reply and forward
// references) is encoded before encryption so one ciphertext covers it.
package envelope
