// Package identity names paired peripherals and fingerprints their keys.
package identity
