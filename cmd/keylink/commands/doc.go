// Package commands defines the keylink developer CLI.
//
// Commands
//
//   - keygen      Print a fresh P-256 key pair in compressed form
//   - peripheral  Run a simulated peripheral on a QUIC listener
//   - pair        Pair with a peripheral and store the key material
//   - send        Connect to a paired peripheral and send text or a key press
//   - devices     List or remove paired devices
//
// # Implementation
//
// The root command loads configuration and builds the logger before any
// subcommand runs. Commands that touch key material open the key store and
// unlock it with the passphrase given by -p.
package commands
