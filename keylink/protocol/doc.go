// Package protocol defines the keylink wire packet.
//
// Every packet carries one AES-GCM encrypted fragment of a logical message:
//
//	kind            1 byte  (0 = DATA, 1 = AUTH)
//	sequence        4 bytes (big endian)
//	total           4 bytes (big endian)
//	slowMode        1 byte  (0 or 1)
//	iv              12 bytes
//	plaintextLength 4 bytes (big endian)
//	ciphertext      plaintextLength bytes
//	tag             16 bytes
package protocol
