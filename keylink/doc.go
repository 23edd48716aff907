// Package keylink pairs a host with low-power peripherals and streams
// encrypted text to them.
//
// Host ties the pieces together: it runs the P-256 pairing exchange, keeps
// each device's key material in an unlocked keystore.Store, and drives one
// transport.Session per connected device. Link-layer discovery and
// connection setup stay with the caller, which hands Host a transport.Link.
package keylink
