// Package protocol owns the presence wire contract.
//
// Ownership boundary:
// - message kinds and correlation ids
// - JSON text encoding of outbound messages
// - decoding and kind classification of inbound messages
//
// Every reply copies the id of the message it answers.
package protocol
