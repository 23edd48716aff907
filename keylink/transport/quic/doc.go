// Package quic simulates the peripheral link over a QUIC stream.
//
// Each link write travels as one length-prefixed frame, standing in for a
// discrete BLE characteristic write. A 33-byte write is a compressed public
// key (pairing), an empty write asks the peripheral for its own key, and any
// other write is an encoded protocol packet. The peripheral answers every
// write with a readiness byte, which drives transport flow control.
package quic
