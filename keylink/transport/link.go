package transport

import "github.com/TheusHen/keylink/keylink/protocol"

// Link is the raw send side of a connected peripheral.
//
// Write hands one encoded packet to the link. Ready delivers a value each
// time the link can accept another write. The session never inspects or
// changes link connection state.
type Link interface {
	Write(packet []byte) error
	Ready() <-chan struct{}
}

// AuthReporter is implemented by links whose peripheral reports the outcome
// of every AUTH message it receives. Links without it give no feedback and
// a rejected host only notices when its data is ignored.
type AuthReporter interface {
	AuthStatus() <-chan protocol.AuthStatus
}
