// Package transport turns plaintext messages into encrypted protocol packets
// and paces them over a small-MTU link.
//
// A Session owns one connection's shared secret. Send splits a message into
// fragments that fit the link's packet size, seals each fragment with
// AES-256-GCM under a fresh IV, writes it, and waits for the link to signal
// readiness before writing the next one. The Reassembler is the receive side.
package transport
